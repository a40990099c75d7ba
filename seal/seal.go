// Package seal implements the seal orchestrator (component J, spec.md
// §4.J): the single atomic operation a relay performs on an outgoing
// message — compute chain validity, compose the Authentication-Results
// line, and produce the new ARC set that extends the chain by one hop.
package seal

import (
	"context"
	"crypto"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/arcauth/arc"
	"github.com/relaymesh/arcauth/arcerr"
	"github.com/relaymesh/arcauth/authres"
	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/psl"
	"github.com/relaymesh/arcauth/resolver"
)

// Config holds one sealer's static identity: the authserv-id it advertises
// in Authentication-Results, and the AMS/Seal templates (spec.md §6) with
// a=/c=/d=/s= already filled in and i=/t=/bh=/b=/cv= left empty for
// GenerateAMS/GenerateSeal to substitute.
type Config struct {
	AuthServiceID string
	AMSTemplate   string
	SealTemplate  string
	PrivateKey    crypto.Signer
	// logger is injected by New, defaulting to zap.NewNop(). Debug-level
	// events record the inbound chain validity and the sealed hop; Warn
	// marks a temporary failure and Error a permanent one.
	logger *zap.Logger
}

// Orchestrator runs Seal over one message at a time. It holds no
// mutable state of its own; the PSL index and resolver it wraps are the
// only resources shared across concurrent calls (spec.md §5).
type Orchestrator struct {
	cfg Config
	res resolver.Resolver
	idx *psl.Index
	// now returns the signing timestamp in epoch seconds. Defaults to
	// time.Now().Unix(); tests inject a fixed value.
	now func() int64
}

// New builds an Orchestrator. nowFn may be nil to use the wall clock; logger
// may be nil, in which case Orchestrator logs nothing.
func New(cfg Config, res resolver.Resolver, idx *psl.Index, nowFn func() int64, logger *zap.Logger) *Orchestrator {
	if nowFn == nil {
		nowFn = defaultNow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.logger = logger
	return &Orchestrator{cfg: cfg, res: res, idx: idx, now: nowFn}
}

func defaultNow() int64 { return time.Now().Unix() }

// Result is the map spec.md §4.J step 8 returns: the four header bodies
// (no field name, no "ARC-" prefix) produced for this hop.
type Result struct {
	AuthenticationResults    string
	ArcAuthenticationResults string
	ArcMessageSignature      string
	ArcSeal                  string
}

// Seal runs the eight ordered steps of spec.md §4.J over msg as received
// and returns the new hop's four header bodies. msg itself is never
// mutated; callers attach the returned headers to their own copy.
func (o *Orchestrator) Seal(ctx context.Context, msg *message.Message, helo, from, ip string) (*Result, error) {
	// Step 1: chain validity of the message as received.
	cv, err := arc.Validate(ctx, msg, o.res)
	if err != nil {
		o.cfg.logger.Warn("arc validate failed with a temporary error", zap.Error(err))
		return nil, err
	}
	o.cfg.logger.Debug("computed chain validity of inbound message", zap.String("cv", string(cv)))

	// Step 2: the instance this hop will occupy.
	sets, err := arc.CollectArcSets(msg)
	if err != nil {
		return nil, arcerr.Wrap(arcerr.StructureViolation, "cannot seal a malformed ARC chain", err)
	}
	instance := arc.MaxInstance(sets) + 1
	if instance > arc.MaxChainLength {
		o.cfg.logger.Error("refusing to extend a chain at its length cap", zap.Int("instance", instance))
		return nil, arcerr.New(arcerr.StructureViolation, fmt.Sprintf("chain already has %d hops, refusing to seal instance %d", arc.MaxChainLength, instance))
	}

	// Step 3: compose the Authentication-Results line.
	ar, err := authres.Compose(ctx, msg, o.cfg.AuthServiceID, helo, from, ip, o.res, o.idx)
	if err != nil {
		return nil, err
	}

	// Step 4: compose this hop's AAR.
	aar := "i=" + strconv.Itoa(instance) + "; " + strings.TrimSpace(ar)

	// Step 5: attach the AAR to a private copy of the message's header
	// view so AMS generation signs over it if (and only if) the template's
	// h= lists it.
	working := &message.Message{
		Headers: append([]string{}, msg.Headers...),
		Body:    msg.Body,
	}
	working.Prepend("ARC-Authentication-Results: " + aar)

	// Step 6: generate this hop's AMS.
	timestamp := o.now()
	ams, err := arc.GenerateAMS(working, o.cfg.AMSTemplate, o.cfg.PrivateKey, instance, timestamp)
	if err != nil {
		return nil, err
	}

	// Step 7: generate the Seal over this hop's AAR and AMS plus every
	// prior hop's ARC set (the chain the Seal's signature actually binds
	// to — see arc.GenerateSeal).
	seal, err := arc.GenerateSeal(sets, aar, ams, o.cfg.SealTemplate, o.cfg.PrivateKey, instance, timestamp, cv)
	if err != nil {
		return nil, err
	}

	o.cfg.logger.Debug("sealed one hop", zap.Int("instance", instance), zap.String("cv", string(cv)))
	return &Result{
		AuthenticationResults:    ar,
		ArcAuthenticationResults: aar,
		ArcMessageSignature:      ams,
		ArcSeal:                  seal,
	}, nil
}

// Attach prepends the four headers this Result describes to msg so that,
// top to bottom, they read Authentication-Results, ARC-Authentication-Results,
// ARC-Message-Signature, ARC-Seal — matching how a relay places its own
// trust headers above everything already on the message.
func (r *Result) Attach(msg *message.Message) {
	msg.Prepend("ARC-Seal: " + r.ArcSeal)
	msg.Prepend("ARC-Message-Signature: " + r.ArcMessageSignature)
	msg.Prepend("ARC-Authentication-Results: " + r.ArcAuthenticationResults)
	msg.Prepend("Authentication-Results: " + r.AuthenticationResults)
}
