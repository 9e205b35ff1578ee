// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensorkits/kit-collector/cmd/kit-collector/config"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/devicecache"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/helper"
	"github.com/sensorkits/kit-collector/cmd/kit-collector/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	name  string
	fail  bool
	calls [][]string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, _ string, recipients []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	got := append([]string(nil), recipients...)
	sort.Strings(got)
	s.calls = append(s.calls, got)
	return !s.fail
}

type panickingSink struct{}

func (panickingSink) Name() string { return "broken" }

func (panickingSink) Send(context.Context, string, []string) bool { panic("boom") }

func TestParseRecipient(t *testing.T) {
	cases := map[string]Recipient{
		" MailTo:Ops@Example.org ": {Kind: KindMail, Address: "Ops@Example.org"},
		"email:a@b.c":              {Kind: KindMail, Address: "a@b.c"},
		"A@B.C":                    {Kind: KindMail, Address: "a@b.c"},
		"slack:https://hooks/X":    {Kind: KindSlack, Address: "https://hooks/X"},
		"https://hooks/Y":          {Kind: KindSlack, Address: "https://hooks/Y"},
		"log:ops":                  {Kind: KindLog, Address: "ops"},
		"ops-room":                 {Kind: KindLog, Address: "ops-room"},
	}
	for in, want := range cases {
		got, ok := ParseRecipient(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseRecipient("   ")
	assert.False(t, ok)
}

func newEntry(routes ...string) *devicecache.Entry {
	e := devicecache.NewTestEntry(shared.DeviceIdentity{Project: "SAN", Serial: "42"})
	e.NoticeRoutes = routes
	return e
}

func TestRecipientsDedupAndRules(t *testing.T) {
	r, err := New([]config.NoticeRule{
		{Pattern: "^SAN_", Recipients: []string{"group@example.org", "mailto:OWNER@example.org"}},
		{Pattern: "^HH_", Recipients: []string{"other@example.org"}},
	}, nil, time.Hour, time.Second)
	require.NoError(t, err)

	e := newEntry("owner@example.org", "mailto:owner@EXAMPLE.org")
	got := r.Recipients(e, false)
	assert.Equal(t, []Recipient{{Kind: KindMail, Address: "owner@example.org"}}, got)

	got = r.Recipients(e, true)
	assert.Len(t, got, 2)
	assert.Equal(t, "group@example.org", got[1].Address)

	got = r.Recipients(newEntry(), false)
	assert.Len(t, got, 2)
}

func TestInvalidRule(t *testing.T) {
	_, err := New([]config.NoticeRule{{Pattern: "("}}, nil, time.Hour, time.Second)
	assert.Error(t, err)
}

// started runs the router's senders and stops them when the test ends.
func started(t *testing.T, r *Router) *Router {
	r.Start(context.Background())
	t.Cleanup(r.Close)
	return r
}

func TestNotifyCooldown(t *testing.T) {
	helper.InitTestLogging()
	t0 := time.Unix(1700000000, 0)
	mail := &recordingSink{name: KindMail}
	r, err := New(nil, nil, 4*time.Hour, time.Second, WithSink(KindMail, mail))
	require.NoError(t, err)
	started(t, r)
	e := newEntry("owner@example.org")

	assert.True(t, r.Notify(context.Background(), "restart", "Kit restarted", e, t0, false))
	assert.False(t, r.Notify(context.Background(), "restart", "Kit restarted", e, t0.Add(time.Hour), false))
	assert.True(t, r.Notify(context.Background(), "event", "Battery low", e, t0, false))
	assert.True(t, r.Notify(context.Background(), "restart", "Kit restarted", e, t0.Add(4*time.Hour), false))

	r.Close()
	assert.Len(t, mail.calls, 3)
	assert.Equal(t, Stats{Sent: 3, Suppressed: 1}, r.Stats())
}

func TestNotifyCooldownFallsBackToClock(t *testing.T) {
	clock := helper.NewClock(time.Unix(1700000000, 0))
	r, err := New(nil, nil, 4*time.Hour, time.Second, WithSink(KindMail, &recordingSink{name: KindMail}), WithClock(clock.Now))
	require.NoError(t, err)
	started(t, r)
	e := newEntry("owner@example.org")

	assert.True(t, r.Notify(context.Background(), "restart", "x", e, time.Time{}, false))
	clock.Advance(time.Hour)
	assert.False(t, r.Notify(context.Background(), "restart", "x", e, time.Time{}, false))
	clock.Advance(3 * time.Hour)
	assert.True(t, r.Notify(context.Background(), "restart", "x", e, time.Time{}, false))
}

func TestNotifyFanOut(t *testing.T) {
	mail := &recordingSink{name: KindMail, fail: true}
	chat := &recordingSink{name: KindSlack}
	r, err := New(nil, nil, time.Hour, time.Second, WithSink(KindMail, mail), WithSink(KindSlack, chat), WithSink("unused", panickingSink{}))
	require.NoError(t, err)
	started(t, r)
	e := newEntry("a@example.org", "b@example.org", "slack:https://hooks/T")

	assert.True(t, r.Notify(context.Background(), "event", "Sensor failure", e, time.Time{}, false))
	r.Close()
	assert.Equal(t, [][]string{{"a@example.org", "b@example.org"}}, mail.calls)
	assert.Equal(t, [][]string{{"https://hooks/T"}}, chat.calls)
	assert.Equal(t, uint64(1), r.Stats().Failed)
	assert.Equal(t, uint64(1), r.Stats().Sent)
}

func TestNotifySinkPanic(t *testing.T) {
	r, err := New(nil, nil, time.Hour, time.Second, WithSink(KindMail, panickingSink{}))
	require.NoError(t, err)
	started(t, r)
	assert.True(t, r.Notify(context.Background(), "event", "x", newEntry("a@example.org"), time.Time{}, false))
	r.Close()
	assert.Equal(t, Stats{Failed: 1}, r.Stats())
}

func TestNotifyWithoutRecipients(t *testing.T) {
	r, err := New(nil, nil, time.Hour, time.Second)
	require.NoError(t, err)
	assert.False(t, r.Notify(context.Background(), "event", "x", newEntry(), time.Time{}, false))
}

func TestNotifyOperatorsHasNoCooldown(t *testing.T) {
	ops := &recordingSink{name: KindMail}
	r, err := New(nil, []string{"ops@example.org", "OPS@example.org"}, time.Hour, time.Second, WithSink(KindMail, ops))
	require.NoError(t, err)
	started(t, r)
	for i := 0; i < 3; i++ {
		assert.True(t, r.NotifyOperators(context.Background(), "channel", "channel disabled"))
	}
	assert.True(t, r.Notify(context.Background(), "channel", "nil entry goes to operators", nil, time.Time{}, false))
	r.Close()
	assert.Len(t, ops.calls, 4)
	assert.Equal(t, []string{"ops@example.org"}, ops.calls[0])
}

func TestLogFallback(t *testing.T) {
	r, err := New(nil, []string{"ops-room"}, time.Hour, time.Second)
	require.NoError(t, err)
	started(t, r)
	assert.True(t, r.NotifyOperators(context.Background(), "channel", "disabled"))
	r.Close()
	assert.Equal(t, uint64(1), r.Stats().Sent)
}

type blockingSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Send(context.Context, string, []string) bool {
	s.calls.Add(1)
	<-s.release
	return true
}

func TestNotifyDoesNotWaitForSinks(t *testing.T) {
	slow := &blockingSink{release: make(chan struct{})}
	r, err := New(nil, nil, time.Hour, time.Minute, WithSink(KindMail, slow), WithQueue(2, 1))
	require.NoError(t, err)
	started(t, r)

	notify := func(serial string) bool {
		e := devicecache.NewTestEntry(shared.DeviceIdentity{Project: "SAN", Serial: serial})
		e.NoticeRoutes = []string{"owner@example.org"}
		return r.Notify(context.Background(), "restart", "Kit restarted", e, time.Time{}, false)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, serial := range []string{"1", "2", "3", "4"} {
			notify(serial)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Notify waited for a blocked sink")
	}
	close(slow.release)
	r.Close()

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Sent+stats.Dropped)
	assert.GreaterOrEqual(t, stats.Dropped, uint64(1))
	assert.Equal(t, int32(stats.Sent), slow.calls.Load())
	assert.False(t, notify("5"))
}

func TestSlackSink(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	s := NewSlackSink()
	assert.True(t, s.Send(context.Background(), "Kit SAN_42 restarted", []string{broken.URL, ok.URL}))
	require.Len(t, bodies, 1)
	assert.True(t, strings.Contains(bodies[0], "Kit SAN_42 restarted"))
	assert.False(t, s.Send(context.Background(), "x", []string{broken.URL}))
}

func TestMailSink(t *testing.T) {
	_, err := NewMailSink(config.MailConfig{From: "kits@example.org"})
	assert.Error(t, err)

	m, err := NewMailSink(config.MailConfig{Host: "localhost", From: "kits@example.org"})
	require.NoError(t, err)
	assert.Equal(t, 587, m.cfg.Port)

	_, err = m.message("Kit restarted\nsecond line", []string{"owner@example.org"})
	assert.NoError(t, err)
	_, err = m.message("x", []string{"not an address"})
	assert.Error(t, err)

	assert.Equal(t, "Kit restarted", subject("Kit restarted\nsecond line"))
	assert.Len(t, subject(strings.Repeat("a", 200)), 78)
}
