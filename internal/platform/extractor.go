package platform

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/humanize"
	"github.com/Rorqualx/scrollharvest/internal/ratelimit"
	"github.com/Rorqualx/scrollharvest/internal/selectors"
	"github.com/Rorqualx/scrollharvest/internal/types"
)

// scanScript collects every rendered card plus the text of any banner
// element in one round trip.
const scanScript = `(cfg) => {
	const textOf = (root, sel) => {
		if (!sel) return "";
		const el = root.querySelector(sel);
		return el ? (el.innerText || el.textContent || "").trim() : "";
	};
	const out = { banner: "", cards: [] };
	for (const sel of cfg.banners || []) {
		for (const el of document.querySelectorAll(sel)) {
			out.banner += " " + (el.innerText || el.textContent || "");
		}
	}
	for (const card of document.querySelectorAll(cfg.card)) {
		const link = card.querySelector(cfg.link);
		const c = {
			href: link ? (link.getAttribute("href") || "") : "",
			html: "",
			author: textOf(card, cfg.author),
			time: "",
			fields: {},
			skip: [],
		};
		if (cfg.text) {
			const t = card.querySelector(cfg.text);
			if (t) c.html = t.innerHTML;
		}
		if (cfg.time) {
			const t = card.querySelector(cfg.time);
			if (t) c.time = t.getAttribute("datetime") || "";
		}
		for (const [k, sel] of Object.entries(cfg.fields || {})) c.fields[k] = textOf(card, sel);
		for (const [reason, sel] of Object.entries(cfg.skip || {})) {
			if (card.matches(sel) || card.querySelector(sel)) c.skip.push(reason);
		}
		out.cards.push(c);
	}
	return out;
}`

type scanArgs struct {
	Card    string            `json:"card"`
	Link    string            `json:"link"`
	Text    string            `json:"text"`
	Author  string            `json:"author"`
	Time    string            `json:"time"`
	Fields  map[string]string `json:"fields"`
	Skip    map[string]string `json:"skip"`
	Banners []string          `json:"banners"`
}

// rawCard is one card as returned by scanScript.
type rawCard struct {
	Href   string
	HTML   string
	Author string
	Time   string
	Fields map[string]string
	Skip   []string
}

type scanResult struct {
	Banner string
	Cards  []rawCard
}

// DOMExtractor reads cards from the live page using the selector catalogue.
type DOMExtractor struct {
	platform  string
	source    SelectorSource
	recordURL func(id, href string) string

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewDOMExtractor returns an extractor for platform. recordURL builds a
// record's canonical URL from its id and the card link href.
func NewDOMExtractor(platform string, source SelectorSource, recordURL func(id, href string) string) *DOMExtractor {
	return &DOMExtractor{
		platform:  platform,
		source:    source,
		recordURL: recordURL,
		patterns:  make(map[string]*regexp.Regexp),
	}
}

// ProcessViewport scans the page, turns a throttle banner into a
// *types.ThrottleError, and classifies the cards against both seen sets.
func (e *DOMExtractor) ProcessViewport(ctx context.Context, s *browser.Session, target string, persisted, jobLocal *extract.SeenSet) (extract.ViewportResult, error) {
	if s == nil || s.Page == nil {
		return extract.ViewportResult{}, types.ErrNoPage
	}
	sel, ok := e.source.Platform(e.platform)
	if !ok {
		return extract.ViewportResult{}, fmt.Errorf("no selectors for platform %s", e.platform)
	}

	res, err := s.Page.Context(ctx).Eval(scanScript, scanArgs{
		Card:    sel.Card,
		Link:    sel.Link,
		Text:    sel.Text,
		Author:  sel.Author,
		Time:    sel.Time,
		Fields:  sel.Fields,
		Skip:    sel.Skip,
		Banners: sel.Banners,
	})
	if err != nil {
		return extract.ViewportResult{}, fmt.Errorf("%w: %v", types.ErrEvalFailed, err)
	}

	scan, err := decodeScan(res.Value)
	if err != nil {
		return extract.ViewportResult{}, err
	}
	if info := ratelimit.Detect(scan.Banner); info.Detected {
		log.Warn().
			Str("platform", e.platform).
			Str("code", info.Code).
			Str("category", string(info.Category)).
			Dur("suggested_delay", info.SuggestedDelay).
			Msg("Throttle banner detected")
		return extract.ViewportResult{}, info.Err()
	}

	candidates, err := e.candidates(scan.Cards, sel, target, time.Now().UTC())
	if err != nil {
		return extract.ViewportResult{}, err
	}
	return extract.Classify(candidates, persisted, jobLocal), nil
}

// TriggerScroll pages down with a humanized smooth scroll.
func (e *DOMExtractor) TriggerScroll(ctx context.Context, s *browser.Session) error {
	if s == nil || s.Page == nil {
		return types.ErrNoPage
	}
	return humanize.NewScroller(s.Page).PageDown(ctx)
}

// CurrentScrollOffset returns the vertical scroll position in CSS pixels.
func (e *DOMExtractor) CurrentScrollOffset(ctx context.Context, s *browser.Session) (int, error) {
	if s == nil || s.Page == nil {
		return 0, types.ErrNoPage
	}
	pos, err := humanize.NewScroller(s.Page).Position(ctx)
	if err != nil {
		return 0, err
	}
	return int(pos.Y), nil
}

// candidates turns raw cards into records. Skip reasons from the page win;
// a card without a recognizable id is left with an empty id for Classify.
func (e *DOMExtractor) candidates(cards []rawCard, sel selectors.Platform, target string, now time.Time) ([]extract.Candidate, error) {
	re, err := e.idPattern(sel.IDPattern)
	if err != nil {
		return nil, err
	}

	out := make([]extract.Candidate, 0, len(cards))
	for _, c := range cards {
		cand := extract.Candidate{}
		if len(c.Skip) > 0 {
			cand.SkipReason = c.Skip[0]
		}

		id := ""
		if m := re.FindStringSubmatch(c.Href); len(m) > 1 {
			id = m[1]
		}
		rec := extract.Record{
			ID:          id,
			Platform:    e.platform,
			Target:      target,
			Author:      c.Author,
			Text:        HTMLText(c.HTML),
			ExtractedAt: now,
		}
		if id != "" {
			rec.URL = e.recordURL(id, c.Href)
		}
		if c.Time != "" {
			if t, err := time.Parse(time.RFC3339, c.Time); err == nil {
				t = t.UTC()
				rec.PublishedAt = &t
			}
		}
		if len(c.Fields) > 0 {
			rec.Fields = make(map[string]string, len(c.Fields))
			for k, v := range c.Fields {
				if v = strings.TrimSpace(v); v != "" {
					rec.Fields[k] = v
				}
			}
		}
		cand.Record = rec
		out = append(out, cand)
	}
	return out, nil
}

func (e *DOMExtractor) idPattern(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid id pattern for %s: %w", e.platform, err)
	}
	e.patterns[pattern] = re
	return re, nil
}

// decodeScan reads scanScript's result. A null result is an empty scan.
// Missing or mistyped card members decode as zero values, but a result or
// card that is not an object is rejected.
func decodeScan(v gson.JSON) (scanResult, error) {
	if v.Nil() {
		return scanResult{}, nil
	}
	if _, ok := v.Val().(map[string]interface{}); !ok {
		return scanResult{}, fmt.Errorf("%w: scan result is %T", types.ErrInvalidCard, v.Val())
	}

	out := scanResult{Banner: str(v.Get("banner"))}
	cards := v.Get("cards")
	if !cards.Nil() {
		if _, ok := cards.Val().([]interface{}); !ok {
			return scanResult{}, fmt.Errorf("%w: cards is %T", types.ErrInvalidCard, cards.Val())
		}
	}
	for i, c := range cards.Arr() {
		if _, ok := c.Val().(map[string]interface{}); !ok {
			return scanResult{}, fmt.Errorf("%w: card %d is %T", types.ErrInvalidCard, i, c.Val())
		}
		card := rawCard{
			Href:   str(c.Get("href")),
			HTML:   str(c.Get("html")),
			Author: str(c.Get("author")),
			Time:   str(c.Get("time")),
		}
		if fields := c.Get("fields").Map(); len(fields) > 0 {
			card.Fields = make(map[string]string, len(fields))
			for k, f := range fields {
				card.Fields[k] = str(f)
			}
		}
		for _, r := range c.Get("skip").Arr() {
			if reason := str(r); reason != "" {
				card.Skip = append(card.Skip, reason)
			}
		}
		out.Cards = append(out.Cards, card)
	}
	return out, nil
}

func str(j gson.JSON) string {
	s, _ := j.Val().(string)
	return s
}
