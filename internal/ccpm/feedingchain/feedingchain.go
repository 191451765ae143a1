// Package feedingchain implements the feeding-chain service (C6):
// extraction of maximal, vertex-disjoint paths of non-critical tasks
// that merge into the critical chain. Grounded on spec §4.6's
// backward-walk algorithm.
package feedingchain

import (
	"sort"
	"strconv"

	"github.com/criticalpath/ccpm/internal/ccpm/model"
)

// Result pairs an extracted feeding chain with the id of the
// critical-chain task it merges into — the task a feeding buffer for
// this chain will attach to.
type Result struct {
	Chain       *model.Chain
	MergeTaskID string
}

// Extract walks backward from every non-critical, unclaimed direct
// predecessor of each critical-chain task, in critical-chain order,
// choosing at each step the predecessor with the largest early_finish
// (ties broken by lower id) until no unclaimed non-critical
// predecessor remains. Every task belongs to at most one feeding
// chain: a walk never revisits a task already claimed by an earlier
// chain. allTasks must carry EarlyFinish (from
// graph.ForwardBackwardPass) and IsCritical (from
// criticalchain.Identify).
func Extract(allTasks []*model.Task, criticalChain []*model.Task) []Result {
	byID := make(map[string]*model.Task, len(allTasks))
	for _, t := range allTasks {
		byID[t.ID] = t
	}
	critical := make(map[string]bool, len(criticalChain))
	for _, t := range criticalChain {
		critical[t.ID] = true
	}
	claimed := make(map[string]bool)

	var results []Result
	chainSeq := 0

	for _, mergeTask := range criticalChain {
		preds := sortedDeps(mergeTask.Dependencies)
		for _, predID := range preds {
			pred, ok := byID[predID]
			if !ok || critical[predID] || claimed[predID] {
				continue
			}
			visited := []*model.Task{pred}
			claimed[predID] = true
			cur := pred
			for {
				next := bestUnclaimedPredecessor(cur, byID, critical, claimed)
				if next == nil {
					break
				}
				visited = append(visited, next)
				claimed[next.ID] = true
				cur = next
			}
			reverse(visited)

			ids := make([]string, len(visited))
			for i, t := range visited {
				ids[i] = t.ID
			}
			chainSeq++
			results = append(results, Result{
				Chain:       model.NewChain(chainID(chainSeq), model.ChainFeeding, ids),
				MergeTaskID: mergeTask.ID,
			})
		}
	}
	return results
}

func bestUnclaimedPredecessor(t *model.Task, byID map[string]*model.Task, critical, claimed map[string]bool) *model.Task {
	var best *model.Task
	for _, predID := range sortedDeps(t.Dependencies) {
		pred, ok := byID[predID]
		if !ok || critical[predID] || claimed[predID] {
			continue
		}
		if best == nil || pred.EarlyFinish.After(best.EarlyFinish) ||
			(pred.EarlyFinish == best.EarlyFinish && pred.ID < best.ID) {
			best = pred
		}
	}
	return best
}

func sortedDeps(deps []string) []string {
	out := make([]string, len(deps))
	copy(out, deps)
	sort.Strings(out)
	return out
}

func reverse(tasks []*model.Task) {
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
}

// chainID assigns a deterministic feeding-chain id; the scheduler may
// override it with an engine-assigned identifier when persisting
// chains beyond this call.
func chainID(seq int) string {
	return "feeding-" + strconv.Itoa(seq)
}
