// Package redisstub runs a minimal in-process Redis protocol server covering
// the list and key commands the work queue uses.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	lists    map[string][]string
	kv       map[string]kvEntry
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:   opts,
		lists:  make(map[string][]string),
		kv:     make(map[string]kvEntry),
		closed: make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// ExpireNow drops a key immediately so tests can force a lease lapse.
func (s *Server) ExpireNow(key string) {
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
}

// ListLen reports the current length of a list for assertions.
func (s *Server) ListLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key])
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			if len(args) == 2 {
				password = args[1]
			} else if len(args) == 3 {
				password = args[2]
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "HELLO", "CLIENT":
			// The client falls back to RESP2 when these are rejected.
			if err := writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0])); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "LPUSH":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'lpush'") == nil
		}
		length := s.lpush(args[1], args[2:])
		return writeInteger(writer, length) == nil
	case "RPUSH":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'rpush'") == nil
		}
		length := s.rpush(args[1], args[2:])
		return writeInteger(writer, length) == nil
	case "LLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'llen'") == nil
		}
		s.mu.Lock()
		length := int64(len(s.lists[args[1]]))
		s.mu.Unlock()
		return writeInteger(writer, length) == nil
	case "LRANGE":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'lrange'") == nil
		}
		values := s.lrange(args[1], args[2], args[3])
		out := make([]interface{}, len(values))
		for i, v := range values {
			out[i] = v
		}
		return writeArray(writer, out) == nil
	case "LREM":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'lrem'") == nil
		}
		count, _ := strconv.Atoi(args[2])
		removed := s.lrem(args[1], count, args[3])
		return writeInteger(writer, removed) == nil
	case "LMOVE":
		if len(args) != 5 {
			return writeError(writer, "ERR wrong number of arguments for 'lmove'") == nil
		}
		value, ok := s.lmove(args[1], args[2], args[3], args[4])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "BLMOVE":
		if len(args) != 6 {
			return writeError(writer, "ERR wrong number of arguments for 'blmove'") == nil
		}
		timeout, err := strconv.ParseFloat(args[5], 64)
		if err != nil {
			return writeError(writer, "ERR timeout is not a float") == nil
		}
		value, ok := s.blmove(args[1], args[2], args[3], args[4], timeout)
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "SET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'set'") == nil
		}
		var ttl time.Duration
		for i := 3; i < len(args)-1; i++ {
			switch strings.ToUpper(args[i]) {
			case "EX":
				secs, _ := strconv.Atoi(args[i+1])
				ttl = time.Duration(secs) * time.Second
			case "PX":
				ms, _ := strconv.Atoi(args[i+1])
				ttl = time.Duration(ms) * time.Millisecond
			}
		}
		s.set(args[1], args[2], ttl)
		return writeSimpleString(writer, "OK") == nil
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'") == nil
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer) == nil
		}
		return writeBulkString(writer, value) == nil
	case "EXISTS":
		count := int64(0)
		for _, key := range args[1:] {
			if _, ok := s.get(key); ok {
				count++
			}
		}
		return writeInteger(writer, count) == nil
	case "DEL":
		count := int64(0)
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.kv[key]; ok {
				delete(s.kv, key)
				count++
			}
			if _, ok := s.lists[key]; ok {
				delete(s.lists, key)
				count++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, count) == nil
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0])) == nil
	}
}

func (s *Server) lpush(key string, values []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	s.lists[key] = list
	return int64(len(list))
}

func (s *Server) rpush(key string, values []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], values...)
	return int64(len(s.lists[key]))
}

func (s *Server) lrange(key, startArg, stopArg string) []string {
	start, _ := strconv.Atoi(startArg)
	stop, _ := strconv.Atoi(stopArg)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	length := len(list)
	if length == 0 {
		return nil
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop {
		return nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out
}

func (s *Server) lrem(key string, count int, value string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	removed := int64(0)
	limit := count
	if limit < 0 {
		limit = -limit
	}
	out := list[:0]
	if count >= 0 {
		for _, v := range list {
			if v == value && (count == 0 || removed < int64(limit)) {
				removed++
				continue
			}
			out = append(out, v)
		}
	} else {
		for i := len(list) - 1; i >= 0; i-- {
			v := list[i]
			if v == value && removed < int64(limit) {
				removed++
				continue
			}
			out = append([]string{v}, out...)
		}
	}
	s.lists[key] = out
	return removed
}

func (s *Server) lmove(src, dst, from, to string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[src]
	if len(list) == 0 {
		return "", false
	}
	var value string
	if strings.EqualFold(from, "LEFT") {
		value = list[0]
		s.lists[src] = list[1:]
	} else {
		value = list[len(list)-1]
		s.lists[src] = list[:len(list)-1]
	}
	if strings.EqualFold(to, "LEFT") {
		s.lists[dst] = append([]string{value}, s.lists[dst]...)
	} else {
		s.lists[dst] = append(s.lists[dst], value)
	}
	return value, true
}

func (s *Server) blmove(src, dst, from, to string, timeout float64) (string, bool) {
	deadline := time.Now().Add(time.Duration(timeout * float64(time.Second)))
	for {
		if value, ok := s.lmove(src, dst, from, to); ok {
			return value, true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-s.closed:
			return "", false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Server) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		default:
			text := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
