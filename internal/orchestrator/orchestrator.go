// Package orchestrator decides, per charity per source, whether to
// reuse cached data, hold off, or fetch, and runs the collectors with
// retry bookkeeping persisted across runs.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amalgiving/amaldata/internal/charity"
	"github.com/amalgiving/amaldata/internal/collectors"
	"github.com/amalgiving/amaldata/internal/logger"
	"github.com/amalgiving/amaldata/internal/store"
)

// maxRetries is the lifetime cap on transient failures per source.
// A row at the cap is skipped permanently until something clears it.
const maxRetries = 3

// crossRunBackoff maps a row's retry count to how long the next run
// must wait before re-attempting that source.
var crossRunBackoff = map[int]time.Duration{
	1: 1 * time.Hour,
	2: 4 * time.Hour,
	3: 24 * time.Hour,
}

// retryableSubstrings classify an error message as transient. Anything
// else fails the attempt outright.
var retryableSubstrings = []string{
	"timeout", "connection", "rate limit", "429", "502", "503", "504",
	"temporary", "overloaded", "too many requests", "network", "ssl",
	"reset by peer",
}

func isRetryable(msg string) bool {
	if collectors.IsValidationError(msg) {
		return false
	}
	m := strings.ToLower(msg)
	for _, s := range retryableSubstrings {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

const day = 24 * time.Hour

// defaultTTLs hold per-source freshness windows, set by how often each
// source publishes: annual filings age slowly, profile pages faster.
var defaultTTLs = map[string]time.Duration{
	collectors.SourcePropublica:       30 * day,
	collectors.SourceCharityNavigator: 30 * day,
	collectors.SourceCandid:           30 * day,
	collectors.SourceAccreditation:    90 * day,
	collectors.SourceGrants990:        180 * day,
	collectors.SourceWebsite:          30 * day,
}

const defaultTTL = 30 * day

// Status describes how a source ended the run.
type Status string

const (
	// StatusFetched means the source was fetched and parsed this run.
	StatusFetched Status = "fetched"
	// StatusCached means a fresh stored record stood in for a fetch.
	StatusCached Status = "cached"
	// StatusBackoff means a recent failure put the source inside its
	// cross-run backoff window.
	StatusBackoff Status = "backoff"
	// StatusPermanent means the retry budget is exhausted.
	StatusPermanent Status = "permanent_failure"
	// StatusNotFound means the source answered that the charity is not
	// listed there.
	StatusNotFound Status = "not_found"
	// StatusFailed covers everything else.
	StatusFailed Status = "failed"
)

// SourceReport is the per-source outcome.
type SourceReport struct {
	Source   string         `json:"source"`
	Status   Status         `json:"status"`
	Parsed   map[string]any `json:"parsed,omitempty"`
	Err      string         `json:"error,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

// Usable reports whether the source produced data this run, fresh or
// cached.
func (r SourceReport) Usable() bool {
	return r.Status == StatusFetched || r.Status == StatusCached
}

// Report is the orchestrator's answer for one charity.
type Report struct {
	CharityID       string         `json:"charity_id"`
	Sources         []SourceReport `json:"sources"`
	MissingRequired []string       `json:"missing_required,omitempty"`
	OK              bool           `json:"success"`
}

// Source returns the report for a named source, if present.
func (r Report) Source(name string) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.Source == name {
			return s, true
		}
	}
	return SourceReport{}, false
}

// Orchestrator runs a set of collectors for one charity at a time,
// consulting and updating the raw-record store.
type Orchestrator struct {
	store *store.Store
	cols  []collectors.Collector

	ttls map[string]time.Duration

	retryBase time.Duration // test override
	now       func() time.Time
}

// Option adjusts an Orchestrator.
type Option func(*Orchestrator)

// WithTTL overrides the freshness window for one source.
func WithTTL(source string, ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttls[source] = ttl }
}

// New builds an orchestrator over the given collectors.
func New(st *store.Store, cols []collectors.Collector, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		cols:      cols,
		ttls:      make(map[string]time.Duration, len(defaultTTLs)),
		retryBase: time.Second,
		now:       time.Now,
	}
	for k, v := range defaultTTLs {
		o.ttls[k] = v
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) ttl(source string) time.Duration {
	if d, ok := o.ttls[source]; ok {
		return d
	}
	return defaultTTL
}

// Run works through every collector for one charity. Sources run in
// order; they hit different hosts, and the polite client already
// spaces requests per key.
func (o *Orchestrator) Run(ctx context.Context, ch charity.Charity) Report {
	report := Report{CharityID: ch.EIN}
	for _, col := range o.cols {
		report.Sources = append(report.Sources, o.runSource(ctx, ch, col))
	}

	for _, name := range collectors.RequiredSources() {
		sr, ok := report.Source(name)
		if ok && sr.Usable() {
			continue
		}
		if name == collectors.SourceAccreditation && ok && isOptionalMiss(sr) {
			continue
		}
		report.MissingRequired = append(report.MissingRequired, name)
	}
	report.OK = len(report.MissingRequired) == 0
	return report
}

// isOptionalMiss reports whether a miss reads as "not listed there",
// including one frozen into a permanent skip on an earlier run.
func isOptionalMiss(sr SourceReport) bool {
	if sr.Status == StatusNotFound {
		return true
	}
	return sr.Status == StatusPermanent && collectors.IsNotFound(sr.Err)
}

func (o *Orchestrator) runSource(ctx context.Context, ch charity.Charity, col collectors.Collector) SourceReport {
	src := col.SourceName()
	rec, found, err := o.store.RawRecord(ch.EIN, src)
	if err != nil {
		return SourceReport{Source: src, Status: StatusFailed, Err: err.Error()}
	}

	now := o.now()
	if found {
		if rec.Success && rec.Parsed != nil && now.Sub(rec.ScrapedAt) < o.ttl(src) {
			logger.Debug("source fresh in cache", "charity", ch.EIN, "source", src,
				"age", now.Sub(rec.ScrapedAt).Round(time.Minute))
			return SourceReport{Source: src, Status: StatusCached, Parsed: rec.Parsed}
		}
		if !rec.Success {
			if rec.RetryCount >= maxRetries {
				logger.Debug("source retries exhausted", "charity", ch.EIN, "source", src)
				return SourceReport{Source: src, Status: StatusPermanent, Err: rec.ErrorMessage}
			}
			if wait, ok := crossRunBackoff[rec.RetryCount]; ok && now.Sub(rec.ScrapedAt) < wait {
				logger.Debug("source inside backoff window", "charity", ch.EIN,
					"source", src, "retry_count", rec.RetryCount)
				return SourceReport{Source: src, Status: StatusBackoff, Err: rec.ErrorMessage}
			}
		}
	}

	attemptID := uuid.NewString()
	res, attempts := o.collect(ctx, ch, col)
	sr := SourceReport{Source: src, Attempts: attempts}
	if res.OK {
		sr.Status = StatusFetched
		sr.Parsed = res.Parsed
		if err := o.store.UpsertRawRecord(store.RawRecord{
			CharityID:   ch.EIN,
			Source:      src,
			RawPayload:  res.Raw,
			ContentType: res.ContentType,
			Parsed:      res.Parsed,
			Success:     true,
			ScrapedAt:   now,
			AttemptID:   attemptID,
		}); err != nil {
			logger.Error("raw record write failed", "charity", ch.EIN, "source", src, "error", err)
		}
		return sr
	}

	sr.Err = res.Err
	row := store.RawRecord{
		CharityID:    ch.EIN,
		Source:       src,
		RawPayload:   res.Raw,
		ContentType:  res.ContentType,
		ErrorMessage: res.Err,
		RetryCount:   rec.RetryCount,
		ScrapedAt:    now,
		AttemptID:    attemptID,
	}
	// A failed attempt that fetched nothing keeps the previous payload
	// so a later parse fix can replay it.
	if row.RawPayload == "" {
		row.RawPayload = rec.RawPayload
		row.ContentType = rec.ContentType
	}

	switch {
	case collectors.IsValidationError(res.Err):
		// The source answered; retrying cannot change the answer.
		sr.Status = StatusFailed
	case collectors.IsNotFound(res.Err):
		sr.Status = StatusNotFound
		row.RetryCount = rec.RetryCount + 1
	default:
		sr.Status = StatusFailed
		row.RetryCount = rec.RetryCount + 1
	}
	if err := o.store.UpsertRawRecord(row); err != nil {
		logger.Error("raw record write failed", "charity", ch.EIN, "source", src, "error", err)
	}
	logger.Warn("source failed", "charity", ch.EIN, "source", src,
		"status", string(sr.Status), "retry_count", row.RetryCount, "error", res.Err)
	return sr
}

// collect runs one source with in-run retries on transient errors,
// backing off 1s, 2s, 4s between attempts.
func (o *Orchestrator) collect(ctx context.Context, ch charity.Charity, col collectors.Collector) (collectors.CollectResult, int) {
	var res collectors.CollectResult
	delay := o.retryBase
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		res = collectors.Collect(ctx, col, ch)
		if res.OK || !isRetryable(res.Err) {
			return res, attempts
		}
		if attempt == maxRetries {
			break
		}
		logger.Debug("transient source error, retrying", "charity", ch.EIN,
			"source", col.SourceName(), "attempt", attempts, "error", res.Err)
		select {
		case <-ctx.Done():
			return res, attempts
		case <-time.After(delay):
		}
		delay *= 2
	}
	return res, attempts
}
