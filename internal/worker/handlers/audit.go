// Package handlers provides task handlers for the worker.
// Each handler implements the business logic for a specific task type
// and can be registered with the worker to process tasks from the queue.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/auditq/internal/task"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

const (
	defaultAuditPages = 10
	maxAuditPages     = 200
	maxPageBytes      = 5 << 20
	maxTitleLength    = 60
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNotice  Severity = "notice"
)

type AuditPayload struct {
	Domain   string `json:"domain"`
	Location string `json:"location"`
	Language string `json:"language"`
	MaxPages int    `json:"max_pages"`
}

type PageReport struct {
	URL              string `json:"url"`
	StatusCode       int    `json:"status_code"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	Lang             string `json:"lang,omitempty"`
	H1Count          int    `json:"h1_count"`
	ImagesMissingAlt int    `json:"images_missing_alt"`
	InternalLinks    int    `json:"internal_links"`
	LoadMs           int64  `json:"load_ms"`
	FetchError       string `json:"fetch_error,omitempty"`
}

type Issue struct {
	URL      string   `json:"url"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

type AuditorOptions struct {
	UserAgent       string
	DefaultMaxPages int
}

// Auditor crawls a site breadth-first, staying on the start host, and
// reports on-page SEO issues.
type Auditor struct {
	client *http.Client
	opts   AuditorOptions
}

func NewAuditor(client *http.Client, opts AuditorOptions) *Auditor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "auditq-crawler/1.0"
	}
	if opts.DefaultMaxPages <= 0 {
		opts.DefaultMaxPages = defaultAuditPages
	}
	return &Auditor{client: client, opts: opts}
}

func (a *Auditor) Handle(ctx context.Context, t *task.Task) (map[string]any, error) {
	var payload AuditPayload
	if err := decodePayload(t.Payload, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	start, err := normalizeDomain(payload.Domain)
	if err != nil {
		return nil, err
	}

	maxPages := payload.MaxPages
	if maxPages <= 0 {
		maxPages = a.opts.DefaultMaxPages
	}
	if maxPages > maxAuditPages {
		maxPages = maxAuditPages
	}

	logger := log.WithFields(log.Fields{
		"task_id":   t.ID,
		"domain":    start.Host,
		"max_pages": maxPages,
	})
	logger.Info("Starting technical audit")

	pages, err := a.crawl(ctx, start, maxPages)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for _, p := range pages {
		issues = append(issues, inspectPage(p, payload.Language)...)
	}

	summary := map[string]int{
		string(SeverityError):   0,
		string(SeverityWarning): 0,
		string(SeverityNotice):  0,
	}
	for _, is := range issues {
		summary[string(is.Severity)]++
	}

	logger.WithFields(log.Fields{
		"pages":  len(pages),
		"issues": len(issues),
	}).Info("Technical audit finished")

	return map[string]any{
		"domain":       start.Host,
		"location":     payload.Location,
		"language":     payload.Language,
		"pages":        len(pages),
		"score":        score(summary),
		"issue_counts": summary,
		"issues":       issues,
		"page_reports": pages,
	}, nil
}

func normalizeDomain(domain string) (*url.URL, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, errors.New("missing required field: domain")
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}

	u, err := url.Parse(domain)
	if err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid domain %q", domain)
	}

	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}, nil
}

func (a *Auditor) crawl(ctx context.Context, start *url.URL, maxPages int) ([]PageReport, error) {
	queue := []*url.URL{start}
	seen := map[string]bool{start.String(): true}
	var pages []PageReport

	for len(queue) > 0 && len(pages) < maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]

		page, links, err := a.fetch(ctx, current)
		if err != nil {
			if len(pages) == 0 {
				return nil, fmt.Errorf("site unreachable: %w", err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			page.FetchError = err.Error()
		}

		for _, link := range links {
			if link.Host != start.Host {
				continue
			}
			page.InternalLinks++
			if key := link.String(); !seen[key] {
				seen[key] = true
				queue = append(queue, link)
			}
		}
		pages = append(pages, page)
	}

	return pages, nil
}

func (a *Auditor) fetch(ctx context.Context, u *url.URL) (PageReport, []*url.URL, error) {
	page := PageReport{URL: u.String()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return page, nil, err
	}
	req.Header.Set("User-Agent", a.opts.UserAgent)
	req.Header.Set("Accept", "text/html")

	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return page, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	page.StatusCode = resp.StatusCode

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && mediaType != "text/html" {
		page.LoadMs = time.Since(started).Milliseconds()
		return page, nil, nil
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	page.LoadMs = time.Since(started).Milliseconds()
	if err != nil {
		return page, nil, fmt.Errorf("parse %s: %w", u, err)
	}

	var links []*url.URL
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "html":
				page.Lang = attr(n, "lang")
			case "title":
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				if strings.EqualFold(attr(n, "name"), "description") {
					page.Description = strings.TrimSpace(attr(n, "content"))
				}
			case "h1":
				page.H1Count++
			case "img":
				if strings.TrimSpace(attr(n, "alt")) == "" {
					page.ImagesMissingAlt++
				}
			case "a":
				if link := resolveLink(u, attr(n, "href")); link != nil {
					links = append(links, link)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return page, links, nil
}

func resolveLink(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil
	}

	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}

	link := base.ResolveReference(ref)
	if link.Scheme != "http" && link.Scheme != "https" {
		return nil
	}
	link.Fragment = ""
	if link.Path == "" {
		link.Path = "/"
	}
	return link
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func inspectPage(p PageReport, language string) []Issue {
	var issues []Issue
	add := func(sev Severity, code, msg string) {
		issues = append(issues, Issue{URL: p.URL, Severity: sev, Code: code, Message: msg})
	}

	if p.FetchError != "" {
		add(SeverityError, "fetch_failed", p.FetchError)
		return issues
	}
	if p.StatusCode >= http.StatusBadRequest {
		add(SeverityError, "broken_page", fmt.Sprintf("page returned HTTP %d", p.StatusCode))
		return issues
	}

	switch {
	case p.Title == "":
		add(SeverityError, "missing_title", "page has no <title>")
	case len(p.Title) > maxTitleLength:
		add(SeverityWarning, "title_too_long", fmt.Sprintf("title is %d characters, keep it under %d", len(p.Title), maxTitleLength))
	}
	if p.Description == "" {
		add(SeverityWarning, "missing_meta_description", "page has no meta description")
	}
	switch {
	case p.H1Count == 0:
		add(SeverityWarning, "missing_h1", "page has no <h1>")
	case p.H1Count > 1:
		add(SeverityNotice, "multiple_h1", fmt.Sprintf("page has %d <h1> elements", p.H1Count))
	}
	if p.ImagesMissingAlt > 0 {
		add(SeverityWarning, "image_missing_alt", fmt.Sprintf("%d images have no alt text", p.ImagesMissingAlt))
	}
	if language != "" && p.Lang != "" && !strings.HasPrefix(strings.ToLower(p.Lang), strings.ToLower(language)) {
		add(SeverityNotice, "language_mismatch", fmt.Sprintf("page language %q does not match %q", p.Lang, language))
	}

	return issues
}

func score(counts map[string]int) int {
	s := 100 - 10*counts[string(SeverityError)] - 3*counts[string(SeverityWarning)] - counts[string(SeverityNotice)]
	if s < 0 {
		return 0
	}
	return s
}
