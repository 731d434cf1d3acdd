package service_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/store"
)

// fakeStore serves job documents and change feeds from memory. Each Changes
// call consumes the next entry of feeds; when none is left the feed blocks
// until the context ends.
type fakeStore struct {
	mx         sync.Mutex
	jobs       []model.JobDoc
	feeds      []string
	feedErrs   []error
	jobCalls   int
	heartbeats []model.Heartbeat
	flushes    [][]string
	bulk       []model.Doc
}

func (s *fakeStore) JobDocs(context.Context) ([]model.JobDoc, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.jobCalls++
	return s.jobs, nil
}

func (s *fakeStore) Changes(ctx context.Context) (*store.Feed, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.feedErrs) > 0 {
		err := s.feedErrs[0]
		s.feedErrs = s.feedErrs[1:]
		return nil, err
	}
	if len(s.feeds) > 0 {
		body := s.feeds[0]
		s.feeds = s.feeds[1:]
		return store.NewFeed(io.NopCloser(strings.NewReader(body))), nil
	}
	pr, pw := io.Pipe()
	context.AfterFunc(ctx, func() {
		_ = pw.CloseWithError(ctx.Err())
	})
	return store.NewFeed(pr), nil
}

func (s *fakeStore) Heartbeat(_ context.Context, hb model.Heartbeat) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.heartbeats = append(s.heartbeats, hb)
	return nil
}

func (s *fakeStore) FlushLog(_ context.Context, lines []string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.flushes = append(s.flushes, lines)
	return nil
}

func (s *fakeStore) BulkDocs(_ context.Context, docs []model.Doc) ([]store.BulkResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.bulk = append(s.bulk, docs...)
	ret := make([]store.BulkResult, 0, len(docs))
	for _, d := range docs {
		ret = append(ret, store.BulkResult{ID: d.ID(), Rev: "2-x", OK: true})
	}
	return ret, nil
}

func (s *fakeStore) calls() (jobs int, heartbeats []model.Heartbeat, flushes [][]string, bulk []model.Doc) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.jobCalls, s.heartbeats, s.flushes, s.bulk
}

// fakeBatch pretends to hold n log lines.
type fakeBatch struct {
	mx sync.Mutex
	n  int
}

func (b *fakeBatch) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.n
}

func (b *fakeBatch) Flush(ctx context.Context, sink log.Sink) error {
	b.mx.Lock()
	n := b.n
	b.n = 0
	b.mx.Unlock()
	if n == 0 {
		return nil
	}
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line"
	}
	return sink.FlushLog(ctx, lines)
}

var errFeed = errors.New("connection refused")
