package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/agentdao/backoffice/internal/store"
)

// ErrNoRecipients means a month has distributable profit but neither a
// staker set nor project originators to pay it to.
var ErrNoRecipients = errors.New("settlement: no distribution recipients")

// Synthesize builds the execute_distribution recipient vectors for a month.
//
// Stakers come from the funding pool weighted by stake (top 200). Authors
// are project originator wallets weighted by their project's revenue share
// of the month (top 50). The settled profit splits evenly between the two
// groups; a missing group forfeits its half to the other. Floor division
// leaves a residue, which goes to the single largest share so the vector
// total equals profit_sum exactly.
func (e *Engine) Synthesize(ctx context.Context, month string) (*ExecutePayload, error) {
	settlement, err := e.store.LatestSettlement(ctx, month)
	if err != nil {
		return nil, err
	}
	if settlement.ProfitSum <= 0 {
		return nil, fmt.Errorf("month %s has no distributable profit", month)
	}

	stakers, stakes, err := e.stakerWeights(ctx)
	if err != nil {
		return nil, err
	}
	authors, authorWeights, err := e.authorWeights(ctx, month)
	if err != nil {
		return nil, err
	}
	if len(stakers) == 0 && len(authors) == 0 {
		return nil, ErrNoRecipients
	}

	stakerPool := settlement.ProfitSum / 2
	authorPool := settlement.ProfitSum - stakerPool
	if len(authors) == 0 {
		stakerPool = settlement.ProfitSum
		authorPool = 0
	}
	if len(stakers) == 0 {
		authorPool = settlement.ProfitSum
		stakerPool = 0
	}

	payload := &ExecutePayload{
		Stakers:      stakers,
		StakerShares: apportion(stakerPool, stakes),
		Authors:      authors,
		AuthorShares: apportion(authorPool, authorWeights),
	}
	// Floor residue from both pools lands on the overall largest share.
	if residue := settlement.ProfitSum - payload.Total(); residue > 0 {
		addToLargest(payload, residue)
	}
	return payload, nil
}

func (e *Engine) stakerWeights(ctx context.Context) ([]string, []int64, error) {
	if e.chain == nil {
		return nil, nil, nil
	}
	addrs, stakes, err := e.chain.StakerSet(ctx, MaxStakers)
	if err != nil {
		return nil, nil, fmt.Errorf("staker set: %w", err)
	}
	// Drop zero-stake entries; they would receive nothing anyway.
	var outAddrs []string
	var outStakes []int64
	for i := range addrs {
		if stakes[i] > 0 {
			outAddrs = append(outAddrs, addrs[i])
			outStakes = append(outStakes, stakes[i])
		}
	}
	return outAddrs, outStakes, nil
}

func (e *Engine) authorWeights(ctx context.Context, month string) ([]string, []int64, error) {
	byProject, err := e.store.SumRevenueForMonthByProject(ctx, month)
	if err != nil {
		return nil, nil, err
	}

	type author struct {
		wallet string
		weight int64
	}
	var list []author
	for projectID, revenue := range byProject {
		if projectID == "" || revenue <= 0 {
			continue
		}
		project, err := e.store.GetProject(ctx, projectID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if project.OriginatorWallet == "" {
			continue
		}
		list = append(list, author{wallet: project.OriginatorWallet, weight: revenue})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].weight != list[j].weight {
			return list[i].weight > list[j].weight
		}
		return list[i].wallet < list[j].wallet
	})
	if len(list) > MaxAuthors {
		list = list[:MaxAuthors]
	}

	wallets := make([]string, len(list))
	weights := make([]int64, len(list))
	for i, a := range list {
		wallets[i] = a.wallet
		weights[i] = a.weight
	}
	return wallets, weights, nil
}

// apportion splits total across weights by floor division.
func apportion(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}
	var weightSum int64
	for _, w := range weights {
		weightSum += w
	}
	if weightSum <= 0 {
		return shares
	}
	for i, w := range weights {
		shares[i] = total * w / weightSum
	}
	return shares
}

// addToLargest adds residue to the single largest share across both vectors.
func addToLargest(p *ExecutePayload, residue int64) {
	bestVec := -1
	bestIdx := -1
	var best int64 = -1
	for i, s := range p.StakerShares {
		if s > best {
			best, bestVec, bestIdx = s, 0, i
		}
	}
	for i, s := range p.AuthorShares {
		if s > best {
			best, bestVec, bestIdx = s, 1, i
		}
	}
	switch bestVec {
	case 0:
		p.StakerShares[bestIdx] += residue
	case 1:
		p.AuthorShares[bestIdx] += residue
	}
}
