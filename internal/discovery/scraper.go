package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/falconscript/proxyratemanager/internal/circuit"
	"github.com/falconscript/proxyratemanager/internal/shared/logger"
)

var kuaidailiListPattern = regexp.MustCompile(`(?:var|let|const)\s+fpsList\s*=\s*(\[.*?\]);`)

func parseKuaidailiBody(body []byte) ([]kuaidailiEntry, error) {
	matches := kuaidailiListPattern.FindSubmatch(body)
	if len(matches) < 2 {
		return nil, fmt.Errorf("discovery: fpsList variable not found in response")
	}
	var entries []kuaidailiEntry
	if err := json.Unmarshal(matches[1], &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Scraper fetches candidate circuits from one public proxy-list source.
// Implementations only scrape and parse; validation happens separately.
type Scraper interface {
	Scrape(ctx context.Context) ([]*Candidate, error)
	Name() string
}

// IP3366Scraper scrapes the HTTP-only free proxy table at ip3366.net
// using goquery.
type IP3366Scraper struct {
	client *http.Client
}

func NewIP3366Scraper() *IP3366Scraper {
	return &IP3366Scraper{client: &http.Client{Timeout: 20 * time.Second}}
}

func (s *IP3366Scraper) Name() string { return "ip3366.net" }

func (s *IP3366Scraper) Scrape(ctx context.Context) ([]*Candidate, error) {
	l := logger.WithComponent("discovery/IP3366Scraper")

	url := "http://www.ip3366.net/?stype=1&page=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: ip3366 returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	var candidates []*Candidate
	doc.Find("table.table-bordered tbody tr").Each(func(_ int, sel *goquery.Selection) {
		host := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		proxyType := strings.TrimSpace(sel.Find("td").Eq(3).Text())

		if !strings.Contains(strings.ToUpper(proxyType), "HTTP") {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || host == "" {
			l.Warn().Str("host", host).Str("port", portStr).Msg("skipping unparseable row")
			return
		}

		candidates = append(candidates, newCandidate(host, port, circuit.SchemeHTTP, s.Name()))
	})

	l.Info().Int("count", len(candidates)).Msg("scrape finished")
	return candidates, nil
}

// KuaidailiScraper scrapes kuaidaili.com's free HTTP proxy listing via
// an embedded JS array, using colly.
type KuaidailiScraper struct {
	collector *colly.Collector
}

type kuaidailiEntry struct {
	IP   string `json:"ip"`
	Port string `json:"port"`
}

func NewKuaidailiScraper() *KuaidailiScraper {
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
	)
	c.SetRequestTimeout(20 * time.Second)
	return &KuaidailiScraper{collector: c}
}

func (s *KuaidailiScraper) Name() string { return "kuaidaili.com" }

func (s *KuaidailiScraper) Scrape(ctx context.Context) ([]*Candidate, error) {
	l := logger.WithComponent("discovery/KuaidailiScraper")

	var candidates []*Candidate
	var scrapeErr error

	s.collector.OnResponse(func(r *colly.Response) {
		entries, err := parseKuaidailiBody(r.Body)
		if err != nil {
			l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("failed to parse response body")
			return
		}
		for _, e := range entries {
			port, err := strconv.Atoi(strings.TrimSpace(e.Port))
			if err != nil {
				continue
			}
			candidates = append(candidates, newCandidate(strings.TrimSpace(e.IP), port, circuit.SchemeHTTP, s.Name()))
		}
	})
	s.collector.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Str("url", r.Request.URL.String()).Msg("scrape request failed")
		scrapeErr = err
	})

	for i := 1; i <= 2; i++ {
		url := fmt.Sprintf("https://www.kuaidaili.com/free/intr/%d/", i)
		s.collector.Visit(url)
	}
	s.collector.Wait()

	if scrapeErr != nil {
		return nil, scrapeErr
	}
	l.Info().Int("count", len(candidates)).Msg("scrape finished")
	return candidates, nil
}
