package resource

import "errors"

// ErrUnsatisfiableNow means no currently READY environment matches a
// request's requirements, but one could in principle appear later
// (e.g. after an idle-reclaimed environment is reprovisioned, or a busy
// one is released). The scheduler leaves the request PENDING.
var ErrUnsatisfiableNow = errors.New("no ready environment currently satisfies requirements")

// ErrNoMatchEver means no environment shape in the pool's configured
// capacity, including provisioning and quarantined ones, could ever
// satisfy a request's requirements (e.g. an architecture the pool never
// provisions). The scheduler fails the request immediately rather than
// leaving it PENDING forever.
var ErrNoMatchEver = errors.New("no environment shape can ever satisfy requirements")
