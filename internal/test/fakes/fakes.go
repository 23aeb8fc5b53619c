// Package fakes provides in-memory test doubles (fakes) and test-specific
// adapters for the service's dependencies. These are used in the cmd local
// run mode and in package tests.
package fakes

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// --- Coordination store ---

type storedValue struct {
	value     string
	expiresAt time.Time
}

func (v storedValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

type fakeSubscription struct {
	channels []string
	patterns []string
	out      chan presence.StoreMessage
	store    *Store
	closed   bool
}

func (s *fakeSubscription) Messages() <-chan presence.StoreMessage { return s.out }

func (s *fakeSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i, sub := range s.store.subs {
		if sub == s {
			s.store.subs = append(s.store.subs[:i], s.store.subs[i+1:]...)
			break
		}
	}
	close(s.out)
	return nil
}

func (s *fakeSubscription) matches(channel string) bool {
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	for _, p := range s.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// Store is a fully in-memory presence.CoordinationStore. Publishes are
// delivered synchronously to matching subscribers. FailWith makes every
// operation return the given error, for degraded-mode tests.
type Store struct {
	mu       sync.Mutex
	kv       map[string]storedValue
	counters map[string]storedValue
	zsets    map[string]map[string]float64
	lists    map[string][]string
	subs     []*fakeSubscription
	err      error
	now      func() time.Time
}

// NewStore creates an empty in-memory coordination store.
func NewStore() *Store {
	return &Store{
		kv:       make(map[string]storedValue),
		counters: make(map[string]storedValue),
		zsets:    make(map[string]map[string]float64),
		lists:    make(map[string][]string),
		now:      time.Now,
	}
}

// FailWith forces every subsequent operation to fail with err. Pass nil to
// restore normal behaviour.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Store) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	now := s.now()
	cur, ok := s.counters[key]
	if !ok || cur.expired(now) {
		s.counters[key] = storedValue{value: "1", expiresAt: now.Add(window)}
		return 1, nil
	}
	n := parseInt(cur.value) + 1
	cur.value = formatInt(n)
	s.counters[key] = cur
	return n, nil
}

func (s *Store) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	v := storedValue{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = v
	return nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.kv[key]
	if !ok || v.expired(s.now()) {
		return "", presence.ErrNotFound
	}
	return v.value, nil
}

func (s *Store) GetDelete(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.kv[key]
	if !ok || v.expired(s.now()) {
		return "", presence.ErrNotFound
	}
	delete(s.kv, key)
	return v.value, nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}

func (s *Store) SortedAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	set, ok := s.zsets[key]
	if !ok {
		set = make(map[string]float64)
		s.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (s *Store) SortedRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var members []string
	for member, score := range s.zsets[key] {
		if score >= min && score <= max {
			members = append(members, member)
		}
	}
	// Stable order by score, then member, like a real sorted set.
	for i := 1; i < len(members); i++ {
		for j := i; j > 0; j-- {
			a, b := members[j-1], members[j]
			sa, sb := s.zsets[key][a], s.zsets[key][b]
			if sa > sb || (sa == sb && a > b) {
				members[j-1], members[j] = b, a
			}
		}
	}
	return members, nil
}

func (s *Store) SortedRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *Store) SortedCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ListPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *Store) ListPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	list := s.lists[key]
	if len(list) == 0 {
		return "", presence.ErrNotFound
	}
	val := list[len(list)-1]
	s.lists[key] = list[:len(list)-1]
	return val, nil
}

func (s *Store) ListLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return int64(len(s.lists[key])), nil
}

func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	targets := make([]*fakeSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(channel) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	msg := presence.StoreMessage{Channel: channel, Payload: payload}
	for _, sub := range targets {
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channels ...string) (presence.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sub := &fakeSubscription{channels: channels, out: make(chan presence.StoreMessage, 256), store: s}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *Store) PSubscribe(_ context.Context, patterns ...string) (presence.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	sub := &fakeSubscription{patterns: patterns, out: make(chan presence.StoreMessage, 256), store: s}
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *Store) Close() error { return nil }

func parseInt(v string) int64 {
	var n int64
	for _, c := range v {
		n = n*10 + int64(c-'0')
	}
	return n
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// --- Preferences gateway ---

// Preferences is a configurable in-memory presence.PreferencesGateway.
// Everything is enabled and quiet-hours-free until configured otherwise.
type Preferences struct {
	mu            sync.Mutex
	disabledTypes map[string]bool // "userID/templateID"
	quietUsers    map[string]time.Time
	tokens        map[string][]presence.DeviceToken
	err           error
}

func NewPreferences() *Preferences {
	return &Preferences{
		disabledTypes: make(map[string]bool),
		quietUsers:    make(map[string]time.Time),
		tokens:        make(map[string][]presence.DeviceToken),
	}
}

func (p *Preferences) DisableType(userID, templateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabledTypes[userID+"/"+templateID] = true
}

// SetQuietUntil puts a user in quiet hours ending at the given time.
func (p *Preferences) SetQuietUntil(userID string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quietUsers[userID] = until
}

func (p *Preferences) SetTokens(userID string, tokens ...presence.DeviceToken) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[userID] = tokens
}

func (p *Preferences) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Preferences) IsNotificationTypeEnabled(_ context.Context, userID, templateID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	return !p.disabledTypes[userID+"/"+templateID], nil
}

func (p *Preferences) IsInQuietHours(_ context.Context, userID string, at time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	until, ok := p.quietUsers[userID]
	return ok && at.Before(until), nil
}

func (p *Preferences) QuietHoursEnd(_ context.Context, userID string, _ time.Time) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return time.Time{}, p.err
	}
	return p.quietUsers[userID], nil
}

func (p *Preferences) GetUserDeviceTokens(_ context.Context, userID string) ([]presence.DeviceToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.tokens[userID], nil
}

// --- Delivery gateway ---

// DeliveryGateway records every push attempt. Results can be scripted per
// token; unscripted tokens succeed.
type DeliveryGateway struct {
	mu      sync.Mutex
	results map[string][]presence.DeliveryResult
	sent    []*presence.RenderedNotification
}

func NewDeliveryGateway() *DeliveryGateway {
	return &DeliveryGateway{results: make(map[string][]presence.DeliveryResult)}
}

// ScriptResults queues the results returned for a token, in order. The last
// result repeats once the queue is exhausted.
func (g *DeliveryGateway) ScriptResults(token string, results ...presence.DeliveryResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[token] = results
}

func (g *DeliveryGateway) SendToDevice(_ context.Context, token presence.DeviceToken, n *presence.RenderedNotification) presence.DeliveryResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, n)
	queue := g.results[token.Token]
	if len(queue) == 0 {
		return presence.DeliveryResult{Success: true, MessageID: n.ID}
	}
	res := queue[0]
	if len(queue) > 1 {
		g.results[token.Token] = queue[1:]
	}
	return res
}

// Sent returns every notification handed to the gateway so far.
func (g *DeliveryGateway) Sent() []*presence.RenderedNotification {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*presence.RenderedNotification(nil), g.sent...)
}

// SentCount reports how many pushes were attempted.
func (g *DeliveryGateway) SentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

// --- In-app deliverer ---

type deliveredEvent struct {
	UserID  string
	Event   string
	Payload []byte
}

// InAppDeliverer records events that would have been written to local sockets.
type InAppDeliverer struct {
	mu     sync.Mutex
	online map[string]bool
	events []deliveredEvent
}

func NewInAppDeliverer() *InAppDeliverer {
	return &InAppDeliverer{online: make(map[string]bool)}
}

// SetOnline marks a user as holding local sockets so deliveries count.
func (d *InAppDeliverer) SetOnline(userID string, online bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[userID] = online
}

func (d *InAppDeliverer) DeliverToUser(userID, event string, payload []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[userID] {
		return 0
	}
	d.events = append(d.events, deliveredEvent{UserID: userID, Event: event, Payload: payload})
	return 1
}

func (d *InAppDeliverer) Broadcast(event string, payload []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, deliveredEvent{Event: event, Payload: payload})
	n := 0
	for _, online := range d.online {
		if online {
			n++
		}
	}
	return n
}

// Events returns the events delivered so far as (user, event) pairs.
func (d *InAppDeliverer) Events() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][2]string, 0, len(d.events))
	for _, ev := range d.events {
		out = append(out, [2]string{ev.UserID, ev.Event})
	}
	return out
}

// Payloads returns raw payloads for a given event name.
func (d *InAppDeliverer) Payloads(event string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]byte
	for _, ev := range d.events {
		if ev.Event == event {
			out = append(out, ev.Payload)
		}
	}
	return out
}
