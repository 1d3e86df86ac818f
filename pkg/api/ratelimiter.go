package api

import (
	"context"
	"time"
)

// ==========================
// Per-IP upload gate
// ==========================

// RateLimiter caps concurrent upload requests per client address. Requests
// over the cap wait in arrival order. One goroutine owns all counters.
type RateLimiter struct {
	perIP    int
	acquire  chan ipRequest
	releases chan string
	now      func() time.Time
}

type ipRequest struct {
	ctx      context.Context
	ip       string
	arrived  time.Time
	response chan acquireResponse
}

type acquireResponse struct {
	permit *Permit
	err    error
}

type ipState struct {
	active  int
	waiting []ipRequest
}

// Permit is one granted slot. Call Release when the request is done.
type Permit struct {
	limiter      *RateLimiter
	ip           string
	WaitDuration time.Duration
}

// Release returns the slot. Double releases are ignored.
func (p *Permit) Release() {
	if p == nil || p.limiter == nil {
		return
	}
	p.limiter.releases <- p.ip
	p.limiter = nil
}

// NewRateLimiter starts a limiter allowing perIP concurrent requests per
// address. perIP <= 0 disables limiting and returns nil.
func NewRateLimiter(perIP int) *RateLimiter {
	if perIP <= 0 {
		return nil
	}
	l := &RateLimiter{
		perIP:    perIP,
		acquire:  make(chan ipRequest),
		releases: make(chan string),
		now:      time.Now,
	}
	go l.loop()
	return l
}

// Acquire blocks until ip has a free slot or ctx is done. A nil limiter
// grants immediately and returns a nil Permit, which is safe to Release.
func (l *RateLimiter) Acquire(ctx context.Context, ip string) (*Permit, error) {
	if l == nil {
		return nil, nil
	}
	req := ipRequest{ctx: ctx, ip: ip, arrived: l.now(), response: make(chan acquireResponse, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.acquire <- req:
	}

	select {
	case resp := <-req.response:
		return resp.permit, resp.err
	case <-ctx.Done():
		// the loop still answers every queued request; give back a late grant
		go func() {
			if resp := <-req.response; resp.permit != nil {
				resp.permit.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *RateLimiter) loop() {
	states := make(map[string]*ipState)

	grant := func(st *ipState, req ipRequest) {
		st.active++
		req.response <- acquireResponse{permit: &Permit{
			limiter:      l,
			ip:           req.ip,
			WaitDuration: max(l.now().Sub(req.arrived), 0),
		}}
	}

	for {
		select {
		case req := <-l.acquire:
			st := states[req.ip]
			if st == nil {
				st = &ipState{}
				states[req.ip] = st
			}
			if st.active < l.perIP {
				grant(st, req)
				continue
			}
			st.waiting = append(st.waiting, req)

		case ip := <-l.releases:
			st := states[ip]
			if st == nil {
				continue
			}
			st.active--
			for len(st.waiting) > 0 && st.active < l.perIP {
				next := st.waiting[0]
				st.waiting = st.waiting[1:]
				if err := next.ctx.Err(); err != nil {
					next.response <- acquireResponse{err: err}
					continue
				}
				grant(st, next)
			}
			if st.active == 0 && len(st.waiting) == 0 {
				delete(states, ip)
			}
		}
	}
}
