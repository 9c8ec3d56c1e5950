package otp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollerEndToEnd(t *testing.T) {
	mb := &scriptedMailbox{
		ids:    []string{"A", "A", "A", "B"},
		bodies: map[string]string{"B": "Hi, Your OTP is: 654321 thanks"},
	}
	sleeper := &recordingSleep{}
	p, err := NewPoller(
		Policy{Subject: "OTP test", KeyPhrase: "Your OTP is: ", CodeLength: 6, MaxAttempts: 6, Interval: 5 * time.Second},
		mb,
		WithCursor(NewCursor("A")),
		WithSleep(sleeper.sleep),
	)
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "654321", res.Code)
	require.Equal(t, "B", res.MessageID)
	require.Equal(t, 4, res.Attempts)
	require.Equal(t, 4, mb.lookups)
	require.Equal(t, []string{"B"}, mb.fetched)
	require.Equal(t, NewCursor("B"), p.Cursor())
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeper.calls)
	require.Equal(t, []string{"OTP test", "OTP test", "OTP test", "OTP test"}, mb.queries)
}

func TestPollerExhaustsWithoutNewMessage(t *testing.T) {
	for _, n := range []int{1, 3, 6, 30} {
		t.Run(fmt.Sprintf("attempts=%d", n), func(t *testing.T) {
			mb := &scriptedMailbox{ids: []string{"A"}}
			sleeper := &recordingSleep{}
			p, err := NewPoller(StandardPolicy("s", "k", 6).withAttempts(n), mb,
				WithCursor(NewCursor("A")),
				WithSleep(sleeper.sleep),
			)
			require.NoError(t, err)

			res, err := p.Poll(context.Background())
			require.NoError(t, err)
			require.False(t, res.Found)
			require.Empty(t, res.Code)
			require.Equal(t, n, res.Attempts)
			require.Equal(t, n, mb.lookups)
			require.Empty(t, mb.fetched)
			require.Len(t, sleeper.calls, n-1)
			require.Equal(t, NewCursor("A"), p.Cursor())
		})
	}
}

func TestPollerEmptyMailboxNeverExtracts(t *testing.T) {
	mb := &scriptedMailbox{}
	p, err := NewPoller(StandardPolicy("s", "k", 6), mb, WithSleep((&recordingSleep{}).sleep))
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.False(t, res.Found)
	require.Equal(t, 6, mb.lookups)
	require.Empty(t, mb.fetched)
	require.False(t, p.Cursor().Set)
}

func TestPollerUnsetCursorTakesFirstMatch(t *testing.T) {
	mb := &scriptedMailbox{
		ids:    []string{"", "X"},
		bodies: map[string]string{"X": "Code is: 87654321"},
	}
	sleeper := &recordingSleep{}
	p, err := NewPoller(BankNotification.Policy(30, 4*time.Second), mb, WithSleep(sleeper.sleep))
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, "87654321", res.Code)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []time.Duration{4 * time.Second}, sleeper.calls)
	require.Equal(t, BankNotification.Subject, mb.queries[0])
}

func TestPollerSeedThenPoll(t *testing.T) {
	mb := &scriptedMailbox{
		ids:    []string{"old", "old", "new"},
		bodies: map[string]string{"new": "Your OTP is: 000111"},
	}
	p, err := NewPoller(StandardPolicy("s", "Your OTP is: ", 6), mb, WithSleep((&recordingSleep{}).sleep))
	require.NoError(t, err)

	require.NoError(t, p.Seed(context.Background()))
	require.Equal(t, NewCursor("old"), p.Cursor())

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, "000111", res.Code)
	require.Equal(t, 2, res.Attempts)
}

func TestPollerSeedWithoutMatchLeavesCursorUnset(t *testing.T) {
	p, err := NewPoller(StandardPolicy("s", "k", 6), &scriptedMailbox{})
	require.NoError(t, err)
	require.NoError(t, p.Seed(context.Background()))
	require.False(t, p.Cursor().Set)
}

func TestPollerSeedLookupError(t *testing.T) {
	p, err := NewPoller(StandardPolicy("s", "k", 6), &scriptedMailbox{lookupErr: errors.New("auth failed")})
	require.NoError(t, err)
	err = p.Seed(context.Background())
	require.ErrorContains(t, err, "lookup newest message: auth failed")
}

func TestPollerLookupErrorAborts(t *testing.T) {
	mb := &scriptedMailbox{lookupErr: errors.New("connection refused")}
	sleeper := &recordingSleep{}
	p, err := NewPoller(StandardPolicy("s", "k", 6), mb, WithSleep(sleeper.sleep))
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.ErrorContains(t, err, "lookup newest message")
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, mb.lookups)
	require.Empty(t, sleeper.calls)
}

func TestPollerFetchErrorStillAdvancesCursor(t *testing.T) {
	mb := &scriptedMailbox{ids: []string{"B"}, fetchErr: errors.New("gone")}
	p, err := NewPoller(StandardPolicy("s", "k", 6), mb, WithCursor(NewCursor("A")))
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.ErrorContains(t, err, "fetch message B: gone")
	require.False(t, res.Found)
	require.Equal(t, "B", res.MessageID)
	require.Equal(t, NewCursor("B"), p.Cursor())
}

func TestPollerMalformedMessage(t *testing.T) {
	mb := &scriptedMailbox{
		ids:    []string{"B"},
		bodies: map[string]string{"B": "hello world"},
	}
	p, err := NewPoller(StandardPolicy("s", "Your OTP is: ", 6), mb)
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.ErrorIs(t, err, ErrKeyPhraseNotFound)
	require.False(t, res.Found)
	require.Equal(t, NewCursor("B"), p.Cursor())
	require.Equal(t, 1, mb.lookups)
}

func TestPollerCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := &scriptedMailbox{ids: []string{"A"}}
	p, err := NewPoller(StandardPolicy("s", "k", 6), mb,
		WithCursor(NewCursor("A")),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)
	require.NoError(t, err)

	res, err := p.Poll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, mb.lookups)
}

func TestPollerInterruptedWaitContinues(t *testing.T) {
	mb := &scriptedMailbox{
		ids:    []string{"A", "A", "B"},
		bodies: map[string]string{"B": "Hi, Your OTP is: 654321 thanks"},
	}
	sleeps := 0
	p, err := NewPoller(StandardPolicy("OTP test", "Your OTP is: ", 6), mb,
		WithCursor(NewCursor("A")),
		WithSleep(func(context.Context, time.Duration) error {
			sleeps++
			if sleeps == 1 {
				return errors.New("interrupted")
			}
			return nil
		}),
	)
	require.NoError(t, err)

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, "654321", res.Code)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, mb.lookups)
	require.Equal(t, 2, sleeps)
	require.Equal(t, NewCursor("B"), p.Cursor())
}

func TestPollerResetCursor(t *testing.T) {
	mb := &scriptedMailbox{ids: []string{"A"}, bodies: map[string]string{"A": "k123456"}}
	p, err := NewPoller(StandardPolicy("s", "k", 6), mb, WithCursor(NewCursor("A")))
	require.NoError(t, err)

	p.ResetCursor()
	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, "123456", res.Code)
}

func TestNewPollerValidation(t *testing.T) {
	_, err := NewPoller(StandardPolicy("s", "k", 6), nil)
	require.Error(t, err)

	cases := []Policy{
		{Subject: "", KeyPhrase: "k", CodeLength: 6, MaxAttempts: 1, Interval: time.Second},
		{Subject: "s", KeyPhrase: "", CodeLength: 6, MaxAttempts: 1, Interval: time.Second},
		{Subject: "s", KeyPhrase: "k", CodeLength: 0, MaxAttempts: 1, Interval: time.Second},
		{Subject: "s", KeyPhrase: "k", CodeLength: 6, MaxAttempts: 0, Interval: time.Second},
		{Subject: "s", KeyPhrase: "k", CodeLength: 6, MaxAttempts: 1, Interval: 0},
	}
	for _, pol := range cases {
		_, err := NewPoller(pol, &scriptedMailbox{})
		require.Error(t, err, "policy %+v", pol)
	}
}

func TestSleepContextHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestCursor(t *testing.T) {
	var c Cursor
	require.False(t, c.IsNew(""))
	require.True(t, c.IsNew("A"))

	c.Advance("")
	require.False(t, c.Set)

	c.Advance("A")
	require.False(t, c.IsNew("A"))
	require.True(t, c.IsNew("B"))
	require.False(t, c.IsNew(""))

	c.Reset()
	require.Equal(t, Cursor{}, c)
	require.Equal(t, Cursor{}, NewCursor(""))
}

func (p Policy) withAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// scriptedMailbox returns ids[i] on the i-th lookup and repeats the last
// id once the script runs out.
type scriptedMailbox struct {
	ids       []string
	bodies    map[string]string
	lookupErr error
	fetchErr  error

	lookups int
	queries []string
	fetched []string
}

func (m *scriptedMailbox) FindNewestMessageID(_ context.Context, q string) (string, error) {
	m.lookups++
	m.queries = append(m.queries, q)
	if m.lookupErr != nil {
		return "", m.lookupErr
	}
	if len(m.ids) == 0 {
		return "", nil
	}
	i := m.lookups - 1
	if i >= len(m.ids) {
		i = len(m.ids) - 1
	}
	return m.ids[i], nil
}

func (m *scriptedMailbox) FetchMessageText(_ context.Context, id string) (string, error) {
	m.fetched = append(m.fetched, id)
	if m.fetchErr != nil {
		return "", m.fetchErr
	}
	body, ok := m.bodies[id]
	if !ok {
		return "", fmt.Errorf("unknown message %s", id)
	}
	return body, nil
}

type recordingSleep struct {
	calls []time.Duration
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}
