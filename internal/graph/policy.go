package graph

import "sort"

// Operator names understood by the decomposition policy.
const (
	OpNativeLayerNorm   = "aten.native_layer_norm"
	OpAddmm             = "aten.addmm"
	OpT                 = "aten.t"
	OpSplitTensor       = "aten.split.Tensor"
	OpFlashAttention    = "aten._scaled_dot_product_flash_attention.default"
	OpFlashAttentionCPU = "aten._scaled_dot_product_flash_attention_for_cpu"
)

var defaultDecompositions = [...]string{
	"aten.logspace",
	"aten._log_softmax",
	"aten.embedding_dense_backward",
	"aten.native_layer_norm_backward",
	"aten.slice_backward",
	"aten.select_backward",
	"aten.native_batch_norm_backward",
	"aten.native_group_norm_backward",
	"aten.sigmoid_backward",
	OpSplitTensor,
	"aten.split_with_sizes",
	OpNativeLayerNorm,
	"aten.masked_fill.Tensor",
	"aten.masked_fill.Scalar",
	OpT,
	OpAddmm,
	"aten._native_batch_norm_legit_functional",
	"aten._native_batch_norm_legit_no_training",
	"aten._native_batch_norm_legit",
	"aten.squeeze.dims",
	"aten.im2col",
	"aten.index_copy",
	"aten.grid_sampler_2d",
	"aten.log_sigmoid_forward",
	"aten.unsafe_split.Tensor",
	"aten.dot",
	"aten._adaptive_avg_pool2d",
	"aten.full",
	"aten._to_copy",
	"aten.lift_fresh_copy.default",
	"aten._unsafe_index.Tensor",
	"aten.unbind.int",
	"aten.linspace",
}

// Policy is the set of high-level operators expanded into primitives during
// capture. The zero value decomposes nothing. Policies are values: With
// returns a new policy and never changes the receiver.
type Policy struct {
	ops map[string]struct{}
}

// DefaultDecompositions returns a fresh copy of the default policy.
func DefaultDecompositions() Policy {
	return NewPolicy(defaultDecompositions[:]...)
}

func NewPolicy(ops ...string) Policy {
	p := Policy{ops: make(map[string]struct{}, len(ops))}
	for _, op := range ops {
		p.ops[op] = struct{}{}
	}

	return p
}

func (p Policy) With(ops ...string) Policy {
	out := Policy{ops: make(map[string]struct{}, len(p.ops)+len(ops))}
	for op := range p.ops {
		out.ops[op] = struct{}{}
	}

	for _, op := range ops {
		out.ops[op] = struct{}{}
	}

	return out
}

func (p Policy) Has(op string) bool {
	_, ok := p.ops[op]
	return ok
}

func (p Policy) Len() int { return len(p.ops) }

// Ops lists the policy in sorted order.
func (p Policy) Ops() []string {
	out := make([]string, 0, len(p.ops))
	for op := range p.ops {
		out = append(out, op)
	}

	sort.Strings(out)

	return out
}

func (p Policy) decomposesAttention() bool {
	return p.Has(OpFlashAttention) || p.Has(OpFlashAttentionCPU)
}
