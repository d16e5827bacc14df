package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
)

// generator produces one bounded answer per prompt. llmClient is the real
// implementation.
type generator interface {
	generate(ctx context.Context, prompt string) string
}

type dnsServer struct {
	cfg     *Config
	log     *slog.Logger
	limiter *ipLimiter
	llm     generator
	cache   answerCache
	metrics metricsRecorder
}

func newDNSServer(cfg *Config, log *slog.Logger, limiter *ipLimiter, llm generator, cache answerCache, metrics metricsRecorder) *dnsServer {
	return &dnsServer{
		cfg:     cfg,
		log:     log,
		limiter: limiter,
		llm:     llm,
		cache:   cache,
		metrics: metrics,
	}
}

// Start binds the UDP socket and runs the accept loop until the socket is
// closed. Binding is the only fatal failure; everything after is isolated
// per query.
func (s *dnsServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp %s: %w", addr, err)
	}
	defer conn.Close()

	return s.serve(conn)
}

func (s *dnsServer) serve(conn *net.UDPConn) error {
	s.log.Info("dns server listening", "addr", conn.LocalAddr())

	buf := make([]byte, maxUDPSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		// The handler runs concurrently while buf is reused, so it
		// gets its own copy.
		pkt := append([]byte(nil), buf[:n]...)
		go s.handleQuery(conn, clientAddr, pkt)
	}
}

// handleQuery drives one query through decode, rate check, generation and
// encode. A panic anywhere in the pipeline is converted into an empty
// response for this query alone; the accept loop never sees it.
func (s *dnsServer) handleQuery(conn *net.UDPConn, addr *net.UDPAddr, pkt []byte) {
	var q *query
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic handling query", "client", addr, "panic", r, "stack", string(debug.Stack()))
			if q != nil {
				conn.WriteToUDP(encodeResponse(q, nil, s.cfg.TTL), addr)
			}
		}
	}()

	timer := s.metrics.GetResponseTimer()
	defer s.metrics.ObserveTimer(timer)

	q, err := decodeQuery(pkt)
	if err != nil {
		// Garbage gets no reply, matching resolver expectations.
		s.metrics.IncQueriesMalformed()
		return
	}

	if !s.limiter.allow(addr.String()) {
		s.metrics.IncQueriesRateLimited()
		if s.cfg.RateLimit.Policy == PolicyDrop {
			return
		}
		conn.WriteToUDP(encodeResponse(q, nil, s.cfg.TTL), addr)
		return
	}

	// Only TXT/IN carries an answer. Everything else still gets a
	// well-formed zero-answer reply so resolvers don't hang waiting
	// for a retransmit.
	if q.qtype != typeTXT || q.qclass != classIN {
		conn.WriteToUDP(encodeResponse(q, nil, s.cfg.TTL), addr)
		return
	}

	question := questionText(q.labels, s.cfg.DomainSuffix)
	s.log.Debug("handling question", "client", addr, "question", question)

	answer, cached := s.cache.Get(question)
	if cached {
		s.metrics.IncQueriesAnsweredFromCache()
	} else {
		answer = s.llm.generate(context.Background(), buildPrompt(question, s.cfg.MaxChars))
		if answer != llmErrorText && answer != llmTimeoutText {
			s.cache.Set(question, answer)
		}
	}

	s.metrics.IncQueriesAnswered()
	if _, err := conn.WriteToUDP(encodeResponse(q, splitTXT(answer), s.cfg.TTL), addr); err != nil {
		s.log.Warn("failed to write response", "client", addr, "err", err)
	}
}
