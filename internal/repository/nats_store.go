package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rpattn/dmquery/internal/domain"
)

// Subjects served under a store prefix.
const (
	SubjectList      = "list"
	SubjectSearch    = "search"
	SubjectAggregate = "aggregate"
	SubjectHistogram = "histogram"
	SubjectViews     = "views"
)

// DefaultNATSTimeout bounds a request when the caller's context has no deadline.
const DefaultNATSTimeout = 10 * time.Second

// Requester is the request/reply slice of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// natsResponse wraps every reply. Exactly one of Data and Error is set.
type natsResponse struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	NotFound bool            `json:"notFound,omitempty"`
}

type wireList struct {
	domain.ListRequest
	Filter json.RawMessage `json:"filter,omitempty"`
}

type wireSearch struct {
	domain.SearchRequest
	Filter json.RawMessage `json:"filter,omitempty"`
}

type wireAggregate struct {
	domain.AggregateRequest
	Filter json.RawMessage `json:"filter,omitempty"`
}

type wireHistogram struct {
	domain.HistogramRequest
	Filter json.RawMessage `json:"filter,omitempty"`
}

type wirePage struct {
	Items      []domain.RawRecord `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// NATSStore is an InstanceStore that forwards every call to a remote
// NATSResponder over request/reply.
type NATSStore struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSStore creates a client for the responder listening under prefix.
func NewNATSStore(conn Requester, prefix string, logger *slog.Logger) *NATSStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSStore{conn: conn, prefix: prefix, timeout: DefaultNATSTimeout, logger: logger}
}

func (s *NATSStore) ListInstances(ctx context.Context, req domain.ListRequest) (domain.InstancePage, error) {
	filter, err := domain.FilterToJSON(req.Filter)
	if err != nil {
		return domain.InstancePage{}, fmt.Errorf("encode filter: %w", err)
	}
	var page wirePage
	if err := s.call(ctx, SubjectList, wireList{ListRequest: req, Filter: filter}, &page); err != nil {
		return domain.InstancePage{}, err
	}
	items, err := fromRaw(page.Items)
	if err != nil {
		return domain.InstancePage{}, err
	}
	return domain.InstancePage{Items: items, NextCursor: page.NextCursor}, nil
}

func (s *NATSStore) SearchInstances(ctx context.Context, req domain.SearchRequest) ([]domain.Record, error) {
	filter, err := domain.FilterToJSON(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	var raws []domain.RawRecord
	if err := s.call(ctx, SubjectSearch, wireSearch{SearchRequest: req, Filter: filter}, &raws); err != nil {
		return nil, err
	}
	return fromRaw(raws)
}

func (s *NATSStore) AggregateInstances(ctx context.Context, req domain.AggregateRequest) (domain.AggregateResponse, error) {
	filter, err := domain.FilterToJSON(req.Filter)
	if err != nil {
		return domain.AggregateResponse{}, fmt.Errorf("encode filter: %w", err)
	}
	var response domain.AggregateResponse
	err = s.call(ctx, SubjectAggregate, wireAggregate{AggregateRequest: req, Filter: filter}, &response)
	return response, err
}

func (s *NATSStore) HistogramInstances(ctx context.Context, req domain.HistogramRequest) ([]domain.HistogramValue, error) {
	filter, err := domain.FilterToJSON(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	var values []domain.HistogramValue
	err = s.call(ctx, SubjectHistogram, wireHistogram{HistogramRequest: req, Filter: filter}, &values)
	return values, err
}

func (s *NATSStore) RetrieveViews(ctx context.Context, ids []domain.ViewReference) ([]domain.View, error) {
	var views []domain.View
	err := s.call(ctx, SubjectViews, ids, &views)
	return views, err
}

func (s *NATSStore) call(ctx context.Context, subject string, request, response any) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	full := s.prefix + "." + subject
	start := time.Now()
	msg, err := s.conn.RequestWithContext(ctx, full, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", full, err)
	}
	s.logger.Debug("nats request",
		slog.String("subject", full),
		slog.Duration("duration", time.Since(start)),
		slog.Int("bytes", len(msg.Data)))

	var envelope natsResponse
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return fmt.Errorf("decode %s reply: %w", full, err)
	}
	if envelope.Error != "" {
		if envelope.NotFound {
			return fmt.Errorf("%s: %w: %s", full, ErrViewNotFound, envelope.Error)
		}
		return fmt.Errorf("%s: %s", full, envelope.Error)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, response); err != nil {
		return fmt.Errorf("decode %s data: %w", full, err)
	}
	return nil
}

func fromRaw(raws []domain.RawRecord) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(raws))
	for _, raw := range raws {
		record, err := raw.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func toRaw(records []domain.Record) []domain.RawRecord {
	raws := make([]domain.RawRecord, 0, len(records))
	for _, record := range records {
		raws = append(raws, domain.ToRawRecord(record))
	}
	return raws
}

// NATSResponder serves an InstanceStore on request/reply subjects under a
// prefix, for use by NATSStore clients.
type NATSResponder struct {
	store  InstanceStore
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSResponder creates a responder for store.
func NewNATSResponder(store InstanceStore, prefix string, logger *slog.Logger) *NATSResponder {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSResponder{store: store, prefix: prefix, logger: logger}
}

// Subscribe registers queue subscriptions for every subject. Replicas sharing
// queue split the load.
func (r *NATSResponder) Subscribe(nc *nats.Conn, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subject := range []string{SubjectList, SubjectSearch, SubjectAggregate, SubjectHistogram, SubjectViews} {
		full := r.prefix + "." + subject
		sub, err := nc.QueueSubscribe(full, queue, r.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", full, err)
		}
		r.subs = append(r.subs, sub)
		r.logger.Debug("subscribed to store subject", slog.String("subject", full))
	}
	r.logger.Info("store responder ready", slog.String("prefix", r.prefix), slog.Int("subjects", len(r.subs)))
	return nil
}

// Close drops every subscription.
func (r *NATSResponder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	return errors.Join(errs...)
}

func (r *NATSResponder) handle(msg *nats.Msg) {
	reply := r.Handle(context.Background(), msg.Subject, msg.Data)
	if err := msg.Respond(reply); err != nil {
		r.logger.Error("failed to send store reply", slog.String("subject", msg.Subject), slog.Any("error", err))
	}
}

// Handle dispatches one request and returns the encoded reply.
func (r *NATSResponder) Handle(ctx context.Context, subject string, data []byte) []byte {
	operation := strings.TrimPrefix(subject, r.prefix+".")
	result, err := r.dispatch(ctx, operation, data)
	if err != nil {
		r.logger.Warn("store request failed", slog.String("subject", subject), slog.Any("error", err))
		return encodeResponse(natsResponse{Error: err.Error(), NotFound: errors.Is(err, ErrViewNotFound)})
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("failed to encode store reply", slog.String("subject", subject), slog.Any("error", err))
		return encodeResponse(natsResponse{Error: fmt.Sprintf("internal error: %v", err)})
	}
	return encodeResponse(natsResponse{Data: encoded})
}

func (r *NATSResponder) dispatch(ctx context.Context, operation string, data []byte) (any, error) {
	switch operation {
	case SubjectList:
		var req wireList
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid list request: %w", err)
		}
		filter, err := domain.FilterFromJSON(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
		req.ListRequest.Filter = filter
		page, err := r.store.ListInstances(ctx, req.ListRequest)
		if err != nil {
			return nil, err
		}
		return wirePage{Items: toRaw(page.Items), NextCursor: page.NextCursor}, nil
	case SubjectSearch:
		var req wireSearch
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid search request: %w", err)
		}
		filter, err := domain.FilterFromJSON(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
		req.SearchRequest.Filter = filter
		records, err := r.store.SearchInstances(ctx, req.SearchRequest)
		if err != nil {
			return nil, err
		}
		return toRaw(records), nil
	case SubjectAggregate:
		var req wireAggregate
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid aggregate request: %w", err)
		}
		filter, err := domain.FilterFromJSON(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
		req.AggregateRequest.Filter = filter
		return r.store.AggregateInstances(ctx, req.AggregateRequest)
	case SubjectHistogram:
		var req wireHistogram
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid histogram request: %w", err)
		}
		filter, err := domain.FilterFromJSON(req.Filter)
		if err != nil {
			return nil, fmt.Errorf("invalid filter: %w", err)
		}
		req.HistogramRequest.Filter = filter
		return r.store.HistogramInstances(ctx, req.HistogramRequest)
	case SubjectViews:
		var ids []domain.ViewReference
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("invalid views request: %w", err)
		}
		return r.store.RetrieveViews(ctx, ids)
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

func encodeResponse(resp natsResponse) []byte {
	data, _ := json.Marshal(resp)
	return data
}
