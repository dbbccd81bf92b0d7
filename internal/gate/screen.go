package gate

import (
	"net/http"

	"tripp/gateway/internal/identity"
)

// Verdict is a screening outcome. The zero value admits the request.
type Verdict struct {
	Blocked bool
	Status  int
	Reason  string
}

// Screener inspects a request before it reaches chat handlers. Content
// moderation plugs in here.
type Screener interface {
	Screen(r *http.Request, id identity.Identity) Verdict
}

// ScreenerFunc adapts a function to Screener.
type ScreenerFunc func(r *http.Request, id identity.Identity) Verdict

func (f ScreenerFunc) Screen(r *http.Request, id identity.Identity) Verdict { return f(r, id) }

// Nop admits everything.
var Nop Screener = ScreenerFunc(func(*http.Request, identity.Identity) Verdict { return Verdict{} })

// SizeGuard rejects bodies larger than MaxBytes and caps the body reader
// for requests without a declared length.
type SizeGuard struct {
	MaxBytes int64
}

func (g SizeGuard) Screen(r *http.Request, _ identity.Identity) Verdict {
	if g.MaxBytes <= 0 {
		return Verdict{}
	}
	if r.ContentLength > g.MaxBytes {
		return Verdict{Blocked: true, Status: http.StatusRequestEntityTooLarge, Reason: "body_too_large"}
	}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(nil, r.Body, g.MaxBytes)
	}
	return Verdict{}
}

// Chain runs screeners in order and returns the first block.
func Chain(screeners ...Screener) Screener {
	return ScreenerFunc(func(r *http.Request, id identity.Identity) Verdict {
		for _, s := range screeners {
			if v := s.Screen(r, id); v.Blocked {
				return v
			}
		}
		return Verdict{}
	})
}
