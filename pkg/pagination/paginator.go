package pagination

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/openaq-harvester/pkg/client"
	"github.com/Sternrassler/openaq-harvester/pkg/openaq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	openaqPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_pages_total",
		Help: "Total pages fetched by endpoint",
	}, []string{"endpoint"})

	openaqContractErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openaq_pagination_contract_errors_total",
		Help: "Pages rejected because meta.page or meta.limit did not match the request",
	}, []string{"endpoint"})
)

// State is the lifecycle position of a Paginator.
type State int

const (
	StateStart State = iota
	StateFetching
	StateHasPage
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetching:
		return "fetching"
	case StateHasPage:
		return "has_page"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fetcher decodes one request into v.
type Fetcher interface {
	FetchJSON(ctx context.Context, req client.Request, v any) error
}

// RequestFunc builds the request for a page number (1-based).
type RequestFunc func(page, limit int) client.Request

// Config holds paginator configuration.
type Config struct {
	// PageSize is the limit sent with every request.
	PageSize int

	// RecordCap stops the walk after this many records. Zero means no cap.
	RecordCap int
}

// DefaultConfig returns the largest page size the API accepts.
func DefaultConfig() Config {
	return Config{PageSize: openaq.MaxPageSize}
}

// Page is one fetched page.
type Page[T any] struct {
	// Number is the 1-based page number.
	Number int

	Records []T

	// Next is the continuation token, empty when this is the last page.
	Next string

	// Found is the server's total-count hint.
	Found openaq.Found
}

// ContractError reports a response whose pagination metadata does not match
// the request. It is terminal for the resource.
type ContractError struct {
	Endpoint string
	Field    string
	Want     int
	Got      int
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("pagination contract violated on %s: meta.%s = %d, requested %d",
		e.Endpoint, e.Field, e.Got, e.Want)
}

// Paginator yields pages of one endpoint in order. It is not safe for
// concurrent use.
type Paginator[T any] struct {
	fetcher Fetcher
	request RequestFunc
	cfg     Config
	logger  zerolog.Logger

	state   State
	next    int
	yielded int
	err     error
}

// New creates a paginator starting at page one.
func New[T any](fetcher Fetcher, request RequestFunc, cfg Config) *Paginator[T] {
	if cfg.PageSize <= 0 || cfg.PageSize > openaq.MaxPageSize {
		cfg.PageSize = openaq.MaxPageSize
	}
	return &Paginator[T]{
		fetcher: fetcher,
		request: request,
		cfg:     cfg,
		logger:  log.With().Str("component", "paginator").Logger(),
		state:   StateStart,
		next:    1,
	}
}

// State returns the current state.
func (p *Paginator[T]) State() State {
	return p.state
}

// Err returns the error that moved the paginator to StateFailed.
func (p *Paginator[T]) Err() error {
	return p.err
}

// Yielded returns the number of records returned so far.
func (p *Paginator[T]) Yielded() int {
	return p.yielded
}

// Next fetches the following page. It returns (nil, nil) once the endpoint
// is exhausted and the stored error once failed.
func (p *Paginator[T]) Next(ctx context.Context) (*Page[T], error) {
	switch p.state {
	case StateExhausted:
		return nil, nil
	case StateFailed:
		return nil, p.err
	}

	p.state = StateFetching
	pageNum := p.next
	req := p.request(pageNum, p.cfg.PageSize)

	var resp openaq.Response[T]
	if err := p.fetcher.FetchJSON(ctx, req, &resp); err != nil {
		return nil, p.fail(fmt.Errorf("page %d: %w", pageNum, err))
	}
	openaqPagesTotal.WithLabelValues(req.Endpoint).Inc()

	if resp.Meta.Page != 0 && resp.Meta.Page != pageNum {
		openaqContractErrorsTotal.WithLabelValues(req.Endpoint).Inc()
		return nil, p.fail(&ContractError{Endpoint: req.Endpoint, Field: "page", Want: pageNum, Got: resp.Meta.Page})
	}
	if resp.Meta.Limit != 0 && resp.Meta.Limit != p.cfg.PageSize {
		openaqContractErrorsTotal.WithLabelValues(req.Endpoint).Inc()
		return nil, p.fail(&ContractError{Endpoint: req.Endpoint, Field: "limit", Want: p.cfg.PageSize, Got: resp.Meta.Limit})
	}

	records := resp.Results
	more := len(records) == p.cfg.PageSize

	if p.cfg.RecordCap > 0 {
		if left := p.cfg.RecordCap - p.yielded; len(records) >= left {
			records = records[:left]
			more = false
		}
	}
	p.yielded += len(records)

	page := &Page[T]{
		Number:  pageNum,
		Records: records,
		Found:   resp.Meta.Found,
	}
	if more {
		p.next = pageNum + 1
		page.Next = strconv.Itoa(p.next)
		p.state = StateHasPage
	} else {
		p.state = StateExhausted
	}

	p.logger.Debug().
		Str("endpoint", req.Endpoint).
		Int("page", pageNum).
		Int("records", len(records)).
		Bool("more", more).
		Msg("Page fetched")

	return page, nil
}

func (p *Paginator[T]) fail(err error) error {
	p.state = StateFailed
	p.err = err
	return err
}
