package linalg

import (
	"context"

	"github.com/gomlx/gmlst/internal/optypes"
	"github.com/gomlx/gmlst/pkg/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FusionPassName is the name of the elementwise fusion pass in textual pipelines.
const FusionPassName = "linalg-fuse-elementwise-ops"

// FusionPass fuses producer linalg.generic operations into their consumers.
// It has no options.
type FusionPass struct{}

// NewElementwiseFusionPass returns the elementwise fusion pass.
func NewElementwiseFusionPass() *FusionPass {
	return &FusionPass{}
}

// Name implements passes.FunctionPass.
func (p *FusionPass) Name() string { return FusionPassName }

// RunOnFunction implements passes.FunctionPass.
func (p *FusionPass) RunOnFunction(ctx context.Context, fn *ir.Function) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	count, err := FuseElementwiseOps(fn)
	if err != nil {
		return err
	}
	klog.V(1).Infof("%s: fused %d operations in %s", FusionPassName, count, fn.DisplayName())
	return nil
}

// FuseElementwiseOps fuses, until no more fusions are possible, every linalg.generic producer into its
// linalg.generic consumer when:
//
//   - the producer has only parallel loops and a single result, written with a permutation map;
//   - the producer doesn't read its outs;
//   - the result is used exactly once, as an "ins" operand of the consumer.
//
// The fused operation iterates over the consumer loops and takes the producer's inputs in place of the
// fused operand. Producers and linalg.init_tensor left unused are erased.
// It returns the number of fusions.
func FuseElementwiseOps(fn *ir.Function) (int, error) {
	total := 0
	for {
		counts := fn.UseCounts()
		fused := 0
		err := fn.Rewrite(func(rw *ir.Rewriter, stmt *ir.Statement) error {
			if stmt.OpType != optypes.LinalgGeneric || checkOperands(stmt) != nil {
				return nil
			}
			for operandIdx, operand := range Ins(stmt) {
				if counts[operand] != 1 || !isFusableProducer(fn, operand.Statement()) {
					continue
				}
				fusedOp, err := fuseProducer(rw.Function(), operand.Statement(), stmt, operandIdx)
				if err != nil {
					return err
				}
				klog.V(2).Infof("%s: fused %s into %s operand #%d in %s", FusionPassName,
					operand.Statement().OpName(), stmt.OpName(), operandIdx, fn.DisplayName())
				fused++
				return rw.Replace(fusedOp...)
			}
			return nil
		})
		if err != nil {
			return total, errors.WithMessagef(err, "while fusing elementwise operations in %s", fn.DisplayName())
		}
		if fused == 0 {
			return total, nil
		}
		total += fused
		fn.EraseDeadOps(func(stmt *ir.Statement) bool {
			return stmt.OpType == optypes.LinalgGeneric || stmt.OpType == optypes.LinalgInitTensor
		})
	}
}

// isFusableProducer checks the conditions on the producer of a fused operand. Uses are checked by the
// caller.
func isFusableProducer(fn *ir.Function, producer *ir.Statement) bool {
	if producer == nil || producer.OpType != optypes.LinalgGeneric || producer.Function != fn {
		return false
	}
	if len(producer.Outputs) != 1 || checkOperands(producer) != nil {
		return false
	}
	iterators, err := IteratorTypes(producer)
	if err != nil || !IsAllParallel(iterators) {
		return false
	}
	maps, err := IndexingMaps(producer)
	if err != nil {
		return false
	}
	numIns := NumIns(producer)
	if !maps[numIns].IsPermutation() {
		return false
	}
	body := producer.Regions[0]
	return body.NumUses(body.Inputs[numIns]) == 0
}

// fuseProducer creates, in fn, the linalg.generic resulting from the fusion of producer into the
// operand operandIdx of consumer.
func fuseProducer(fn *ir.Function, producer, consumer *ir.Statement, operandIdx int) ([]*ir.Value, error) {
	producerMaps, err := IndexingMaps(producer)
	if err != nil {
		return nil, err
	}
	consumerMaps, err := IndexingMaps(consumer)
	if err != nil {
		return nil, err
	}
	iterators, err := IteratorTypes(consumer)
	if err != nil {
		return nil, err
	}
	producerIns := Ins(producer)
	consumerIns := Ins(consumer)
	consumerOuts := Outs(consumer)

	// Map from the consumer loops to the producer loops, through the producer result.
	resultToLoops, err := producerMaps[len(producerIns)].Inverse()
	if err != nil {
		return nil, err
	}
	consumerToProducer, err := resultToLoops.Compose(consumerMaps[operandIdx])
	if err != nil {
		return nil, err
	}

	var ins []*ir.Value
	var maps []ir.AffineMap
	ins = append(ins, consumerIns[:operandIdx]...)
	maps = append(maps, consumerMaps[:operandIdx]...)
	for k, input := range producerIns {
		m, err := producerMaps[k].Compose(consumerToProducer)
		if err != nil {
			return nil, err
		}
		ins = append(ins, input)
		maps = append(maps, m)
	}
	ins = append(ins, consumerIns[operandIdx+1:]...)
	maps = append(maps, consumerMaps[operandIdx+1:]...)

	body, err := Payload(fn, append(append([]*ir.Value{}, ins...), consumerOuts...)...)
	if err != nil {
		return nil, err
	}
	mapping := make(map[*ir.Value]*ir.Value)
	producerBody, consumerBody := producer.Regions[0], consumer.Regions[0]
	for k := range producerIns {
		mapping[producerBody.Inputs[k]] = body.Inputs[operandIdx+k]
	}
	for _, stmt := range producerBody.Statements {
		if _, err := body.Clone(stmt, mapping); err != nil {
			return nil, err
		}
	}
	mapping[consumerBody.Inputs[operandIdx]] = lookup(mapping, producerBody.Outputs[0])
	for j, input := range consumerBody.Inputs {
		switch {
		case j < operandIdx:
			mapping[input] = body.Inputs[j]
		case j > operandIdx:
			mapping[input] = body.Inputs[j+len(producerIns)-1]
		}
	}
	for _, stmt := range consumerBody.Statements {
		if _, err := body.Clone(stmt, mapping); err != nil {
			return nil, err
		}
	}
	yielded := make([]*ir.Value, len(consumerBody.Outputs))
	for i, v := range consumerBody.Outputs {
		yielded[i] = lookup(mapping, v)
	}
	if err := body.Return(yielded...); err != nil {
		return nil, err
	}
	return Generic(fn, ins, consumerOuts, maps, iterators, body)
}

func lookup(mapping map[*ir.Value]*ir.Value, v *ir.Value) *ir.Value {
	if mapped, found := mapping[v]; found {
		return mapped
	}
	return v
}
