package vecagg

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Explain renders the policy layout as a tree.
func (p *GroupingPolicyHash) Explain() string {
	tree := treeprint.NewWithRoot("GroupingPolicyHash")
	strat := tree.AddBranch(fmt.Sprintf("strategy: %s", p._strategy.ExplainName()))
	for i := range p._groupingCols {
		gc := &p._groupingCols[i]
		width := "varlen"
		if gc.ValueBytes != VarlenWidth {
			width = fmt.Sprintf("%d bytes", gc.ValueBytes)
		}
		strat.AddNode(fmt.Sprintf("key col %d -> out %d (%s)",
			gc.InputOffset, gc.OutputOffset, width))
	}
	aggrs := tree.AddBranch("aggregates")
	for _, def := range p._aggrDefs {
		arg := "*"
		if def.InputOffset >= 0 {
			arg = fmt.Sprintf("col %d", def.InputOffset)
		}
		node := fmt.Sprintf("%s(%s) -> out %d", def.Func._name, arg, def.OutputOffset)
		if def.Filter != nil {
			node += " filtered"
		}
		aggrs.AddNode(node)
	}
	return tree.String()
}
