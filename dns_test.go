package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
)

// startTestServer runs a server over a loopback socket and returns its
// address. The backend is whatever cfg points at.
func startTestServer(t *testing.T, cfg *Config) string {
	return startTestServerWith(t, cfg, nil, dummyMetrics{})
}

// startTestServerWith lets a test substitute the generator or observe the
// metrics recorder. A nil gen means a real client against cfg's backend.
func startTestServerWith(t *testing.T, cfg *Config, gen generator, metrics metricsRecorder) string {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind test socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	log := testLogger()
	cache, err := newAnswerCache(cfg, log)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	if gen == nil {
		gen = newLLMClient(cfg, log, metrics)
	}

	server := newDNSServer(cfg,
		log,
		newIPLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec),
		gen,
		cache,
		metrics,
	)
	go server.serve(conn)

	return conn.LocalAddr().String()
}

// countingMetrics records increments so tests can assert which outcome a
// query took.
type countingMetrics struct {
	answered    atomic.Int32
	fromCache   atomic.Int32
	rateLimited atomic.Int32
	malformed   atomic.Int32
	backendErrs atomic.Int32
}

func (m *countingMetrics) IncQueriesAnswered()                 { m.answered.Add(1) }
func (m *countingMetrics) IncQueriesAnsweredFromCache()        { m.fromCache.Add(1) }
func (m *countingMetrics) IncQueriesRateLimited()              { m.rateLimited.Add(1) }
func (m *countingMetrics) IncQueriesMalformed()                { m.malformed.Add(1) }
func (m *countingMetrics) IncBackendErrors()                   { m.backendErrs.Add(1) }
func (m *countingMetrics) GetResponseTimer() *prometheus.Timer { return nil }
func (m *countingMetrics) GetGenerateTimer() *prometheus.Timer { return nil }
func (m *countingMetrics) ObserveTimer(*prometheus.Timer)      {}
func (m *countingMetrics) Start() error                        { return nil }

// waitForCount polls c because handlers run on their own goroutines and
// some outcomes send no reply to synchronize on.
func waitForCount(t *testing.T, c *atomic.Int32, want int32, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("%s counter = %d, want %d", what, c.Load(), want)
}

func exchangeTXT(t *testing.T, addr, name string) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	c := &dns.Client{Timeout: 5 * time.Second}
	r, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("exchange failed for %s: %v", name, err)
	}
	return r
}

func txtStrings(t *testing.T, r *dns.Msg) []string {
	t.Helper()
	var out []string
	for _, rr := range r.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			t.Fatalf("answer is %T, want TXT", rr)
		}
		out = append(out, txt.Txt...)
	}
	return out
}

func TestServerAnswersTXTQuery(t *testing.T) {
	ts := fakeBackend(t, []string{"DNS is the internet's phone book."}, 0)
	cfg := backendConfig(t, ts)
	cfg.DomainSuffix = "chat.example"
	cfg.Cache.Enable = false

	addr := startTestServer(t, cfg)

	r := exchangeTXT(t, addr, "what-is-dns.chat.example")

	if r.Rcode != dns.RcodeSuccess {
		t.Fatalf("rcode = %d, want NOERROR", r.Rcode)
	}
	got := strings.Join(txtStrings(t, r), "")
	if got != "DNS is the internet's phone book." {
		t.Errorf("answer = %q", got)
	}
	if len(r.Question) != 1 || r.Question[0].Name != "what-is-dns.chat.example." {
		t.Errorf("question not echoed: %+v", r.Question)
	}
}

func TestServerEmptyAnswerForUnsupportedType(t *testing.T) {
	ts := fakeBackend(t, []string{"unused"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false

	addr := startTestServer(t, cfg)

	m := new(dns.Msg)
	m.SetQuestion("what-is-dns.chat.example.", dns.TypeA)
	c := &dns.Client{Timeout: 5 * time.Second}
	r, _, err := c.Exchange(m, addr)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	if r.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode = %d, want NOERROR", r.Rcode)
	}
	if len(r.Answer) != 0 {
		t.Errorf("got %d answers for an A query, want 0", len(r.Answer))
	}
}

func TestServerIgnoresMalformedDatagram(t *testing.T) {
	ts := fakeBackend(t, []string{"unused"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false

	addr := startTestServer(t, cfg)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("failed to resolve test server addr: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("failed to send garbage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, maxUDPSize)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("got a %d byte reply to a malformed datagram, want silence", n)
	}
}

func TestServerRateLimitRespondsEmpty(t *testing.T) {
	ts := fakeBackend(t, []string{"ok"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false
	cfg.RateLimit.Capacity = 1
	cfg.RateLimit.RefillPerSec = 0.01

	addr := startTestServer(t, cfg)

	first := exchangeTXT(t, addr, "q1.chat.example")
	if len(first.Answer) == 0 {
		t.Fatal("first query got no answer")
	}

	second := exchangeTXT(t, addr, "q2.chat.example")
	if second.Rcode != dns.RcodeSuccess {
		t.Errorf("rate limited rcode = %d, want NOERROR", second.Rcode)
	}
	if len(second.Answer) != 0 {
		t.Errorf("rate limited query got %d answers, want 0", len(second.Answer))
	}
}

func TestServerRateLimitDropsWhenConfigured(t *testing.T) {
	ts := fakeBackend(t, []string{"ok"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false
	cfg.RateLimit.Capacity = 1
	cfg.RateLimit.RefillPerSec = 0.01
	cfg.RateLimit.Policy = PolicyDrop

	addr := startTestServer(t, cfg)

	exchangeTXT(t, addr, "q1.chat.example")

	m := new(dns.Msg)
	m.SetQuestion("q2.chat.example.", dns.TypeTXT)
	c := &dns.Client{Timeout: 300 * time.Millisecond}
	if _, _, err := c.Exchange(m, addr); err == nil {
		t.Error("rate limited query under drop policy got a reply, want silence")
	}
}

func TestServerFallbackWhenBackendDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	port, _ := strconv.Atoi(portStr)
	cfg := DefaultConfig()
	cfg.LLM.Host = "127.0.0.1"
	cfg.LLM.Port = port
	cfg.Cache.Enable = false

	addr := startTestServer(t, cfg)

	r := exchangeTXT(t, addr, "anyone-home.chat.example")

	if r.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode = %d, want NOERROR", r.Rcode)
	}
	got := strings.Join(txtStrings(t, r), "")
	if got != llmErrorText {
		t.Errorf("answer = %q, want the fixed fallback %q", got, llmErrorText)
	}
}

func TestServerCachesRepeatedQuestions(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "42"},
			"done":    false,
		})
		enc.Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": ""},
			"done":    true,
		})
	}))
	t.Cleanup(ts.Close)

	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = true
	cfg.Cache.TTLMinutes = 1

	addr := startTestServer(t, cfg)

	first := strings.Join(txtStrings(t, exchangeTXT(t, addr, "the-answer.chat.example")), "")
	second := strings.Join(txtStrings(t, exchangeTXT(t, addr, "the-answer.chat.example")), "")

	if first != "42" || second != "42" {
		t.Errorf("answers = %q, %q, want 42 twice", first, second)
	}
	if hits.Load() != 1 {
		t.Errorf("backend was hit %d times, want 1", hits.Load())
	}
}

// explodingGenerator panics on its first call and answers normally after,
// so one test can check both the recovery reply and that the server keeps
// serving.
type explodingGenerator struct {
	calls atomic.Int32
}

func (g *explodingGenerator) generate(context.Context, string) string {
	if g.calls.Add(1) == 1 {
		panic("generation blew up")
	}
	return "still here"
}

func TestServerRecoversFromPanickingGenerator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainSuffix = "chat.example"
	cfg.Cache.Enable = false

	addr := startTestServerWith(t, cfg, &explodingGenerator{}, dummyMetrics{})

	first := exchangeTXT(t, addr, "boom.chat.example")
	if first.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode after panic = %d, want NOERROR", first.Rcode)
	}
	if len(first.Answer) != 0 {
		t.Errorf("got %d answers from a panicking generation, want 0", len(first.Answer))
	}
	if len(first.Question) != 1 || first.Question[0].Name != "boom.chat.example." {
		t.Errorf("question not echoed after panic: %+v", first.Question)
	}

	second := exchangeTXT(t, addr, "fine.chat.example")
	if got := strings.Join(txtStrings(t, second), ""); got != "still here" {
		t.Errorf("answer after recovery = %q, want %q", got, "still here")
	}
}

func TestServerCountsMalformedQueries(t *testing.T) {
	ts := fakeBackend(t, []string{"unused"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false

	metrics := &countingMetrics{}
	addr := startTestServerWith(t, cfg, nil, metrics)

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("failed to resolve test server addr: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("failed to send garbage: %v", err)
	}

	waitForCount(t, &metrics.malformed, 1, "malformed")
	if metrics.answered.Load() != 0 {
		t.Errorf("answered counter = %d after garbage, want 0", metrics.answered.Load())
	}
}

func TestServerCountsRateLimitedQueries(t *testing.T) {
	ts := fakeBackend(t, []string{"ok"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = false
	cfg.RateLimit.Capacity = 1
	cfg.RateLimit.RefillPerSec = 0.01

	metrics := &countingMetrics{}
	addr := startTestServerWith(t, cfg, nil, metrics)

	exchangeTXT(t, addr, "q1.chat.example")
	exchangeTXT(t, addr, "q2.chat.example")

	waitForCount(t, &metrics.rateLimited, 1, "rate limited")
	if metrics.answered.Load() != 1 {
		t.Errorf("answered counter = %d, want 1", metrics.answered.Load())
	}
}

func TestServerCountsCacheHits(t *testing.T) {
	ts := fakeBackend(t, []string{"42"}, 0)
	cfg := backendConfig(t, ts)
	cfg.Cache.Enable = true
	cfg.Cache.TTLMinutes = 1

	metrics := &countingMetrics{}
	addr := startTestServerWith(t, cfg, nil, metrics)

	exchangeTXT(t, addr, "the-answer.chat.example")
	exchangeTXT(t, addr, "the-answer.chat.example")

	waitForCount(t, &metrics.fromCache, 1, "cache hit")
	if metrics.answered.Load() != 2 {
		t.Errorf("answered counter = %d, want 2", metrics.answered.Load())
	}
}

func TestServerCountsBackendErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	port, _ := strconv.Atoi(portStr)
	cfg := DefaultConfig()
	cfg.LLM.Host = "127.0.0.1"
	cfg.LLM.Port = port
	cfg.Cache.Enable = false

	metrics := &countingMetrics{}
	addr := startTestServerWith(t, cfg, nil, metrics)

	r := exchangeTXT(t, addr, "anyone-home.chat.example")
	if got := strings.Join(txtStrings(t, r), ""); got != llmErrorText {
		t.Fatalf("answer = %q, want %q", got, llmErrorText)
	}

	waitForCount(t, &metrics.backendErrs, 1, "backend error")
	if metrics.answered.Load() != 1 {
		t.Errorf("answered counter = %d, want 1", metrics.answered.Load())
	}
}
