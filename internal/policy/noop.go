package policy

// NoOp forwards everything unchanged. It is the default policy and the
// reference for pass-through fidelity: with NoOp installed the egress stream
// is byte-identical to ingress.
type NoOp struct {
	Base
}

// NewNoOp creates the pass-through policy.
func NewNoOp() *NoOp { return &NoOp{} }

func (*NoOp) Name() string { return "noop" }
