package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Black-box checks against a running dnschat server. Needs the backend up
// to pass the answer test, so this is an operational smoke test, not a
// unit test.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: selftest <server-addr> [domain-suffix]")
		fmt.Println("Example: selftest 127.0.0.1:5353 chat.example")
		os.Exit(1)
	}

	server := os.Args[1]
	suffix := ""
	if len(os.Args) > 2 {
		suffix = strings.Trim(os.Args[2], ".")
	}

	client := &dns.Client{Timeout: 10 * time.Second}
	passed := 0
	failed := 0

	qname := "what-is-dns"
	if suffix != "" {
		qname += "." + suffix
	}
	qname = dns.Fqdn(qname)

	// Test 1: TXT query gets a TXT answer within the wire limits
	fmt.Print("Testing TXT answer... ")
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeTXT)
	r, _, err := client.Exchange(m, server)
	if err != nil || r.Rcode != dns.RcodeSuccess || len(r.Answer) == 0 {
		fmt.Println("✗ (no answer)")
		failed++
	} else {
		ok := true
		for _, rr := range r.Answer {
			txt, isTxt := rr.(*dns.TXT)
			if !isTxt {
				ok = false
				break
			}
			for _, s := range txt.Txt {
				if len(s) > 255 {
					ok = false
				}
			}
		}
		if ok {
			fmt.Println("✓")
			passed++
		} else {
			fmt.Println("✗ (bad record)")
			failed++
		}
	}

	// Test 2: question echo
	fmt.Print("Testing question echo... ")
	if r != nil && len(r.Question) == 1 && strings.EqualFold(r.Question[0].Name, qname) &&
		r.Question[0].Qtype == dns.TypeTXT && r.Question[0].Qclass == dns.ClassINET {
		fmt.Println("✓")
		passed++
	} else {
		fmt.Println("✗ (question not echoed)")
		failed++
	}

	// Test 3: unsupported type gets a well-formed empty reply
	fmt.Print("Testing empty reply for A query... ")
	m = new(dns.Msg)
	m.SetQuestion(qname, dns.TypeA)
	r, _, err = client.Exchange(m, server)
	if err == nil && r.Rcode == dns.RcodeSuccess && len(r.Answer) == 0 {
		fmt.Println("✓")
		passed++
	} else {
		fmt.Println("✗")
		failed++
	}

	// Test 4: rate limiting (default capacity is 60; repeats of the same
	// question come from the answer cache, so hammering is cheap)
	fmt.Print("Testing rate limiting... ")
	limited := false
	quick := &dns.Client{Timeout: 2 * time.Second}
	for i := 0; i < 70; i++ {
		m = new(dns.Msg)
		m.SetQuestion(qname, dns.TypeTXT)
		r, _, err = quick.Exchange(m, server)
		if err == nil && len(r.Answer) == 0 {
			limited = true
			break
		}
		if err != nil {
			// drop policy: a timeout counts too
			limited = true
			break
		}
	}
	if limited {
		fmt.Println("✓")
		passed++
	} else {
		fmt.Println("✗ (rate limit not enforced)")
		failed++
	}

	fmt.Printf("\nTests passed: %d/%d\n", passed, passed+failed)
	if failed > 0 {
		os.Exit(1)
	}
}
