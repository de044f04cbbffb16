package source

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/httpx"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentWallets = 4

// walletPortfolio is one entry of the portfolio API "portfolios" list.
type walletPortfolio struct {
	WalletAddress     string                   `json:"walletAddress"`
	BalancesByNetwork map[string]networkTokens `json:"balancesByNetwork"`
	TotalValueUSD     json.RawMessage          `json:"totalValueUSD"`
}

type networkTokens struct {
	ChainID string                   `json:"chainId"`
	Tokens  []portfolio.TokenBalance `json:"tokens"`
}

type portfoliosResponse struct {
	Data struct {
		Portfolios []walletPortfolio `json:"portfolios"`
	} `json:"data"`
	StatusMessage string `json:"status_message"`
}

// Remote reads balances from a balance-checker compatible portfolio API.
type Remote struct {
	baseURL string
	http    *httpx.Client
}

func NewRemote(baseURL string, client *httpx.Client) *Remote {
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// ValidateWallets checks and checksums EVM addresses.
func ValidateWallets(wallets []string) ([]string, error) {
	out := make([]string, 0, len(wallets))
	seen := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if !common.IsHexAddress(w) {
			return nil, clierr.New(clierr.CodeUsage, "invalid wallet address "+w)
		}
		addr := common.HexToAddress(w).Hex()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// FetchWallets loads the given wallets concurrently and merges them into one
// snapshot in argument order. With no wallets every tracked wallet is loaded.
func (r *Remote) FetchWallets(ctx context.Context, wallets []string) (portfolio.Snapshot, error) {
	if r == nil || r.baseURL == "" {
		return portfolio.Snapshot{}, clierr.New(clierr.CodeConfig, "portfolio API URL is not configured")
	}
	addrs, err := ValidateWallets(wallets)
	if err != nil {
		return portfolio.Snapshot{}, err
	}
	if len(addrs) == 0 {
		portfolios, err := r.fetch(ctx, r.baseURL+"/api/v1/portfolios")
		if err != nil {
			return portfolio.Snapshot{}, err
		}
		return mergeWallets(portfolios), nil
	}

	results := make([][]walletPortfolio, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWallets)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			portfolios, err := r.fetch(gctx, r.baseURL+"/api/v1/portfolios/"+url.PathEscape(addr))
			if err != nil {
				return err
			}
			results[i] = matchWallet(portfolios, addr)
			if len(results[i]) == 0 {
				return clierr.New(clierr.CodeUnsupported, "wallet "+addr+" is not tracked by the portfolio API")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return portfolio.Snapshot{}, err
	}

	merged := make([]walletPortfolio, 0, len(addrs))
	for _, wallet := range results {
		merged = append(merged, wallet...)
	}
	return mergeWallets(merged), nil
}

// Ping reports whether the portfolio API answers.
func (r *Remote) Ping(ctx context.Context) error {
	if r == nil || r.baseURL == "" {
		return clierr.New(clierr.CodeConfig, "portfolio API URL is not configured")
	}
	_, err := r.fetch(ctx, r.baseURL+"/api/v1/portfolios")
	return err
}

func (r *Remote) fetch(ctx context.Context, endpoint string) ([]walletPortfolio, error) {
	var resp portfoliosResponse
	if _, err := httpx.GetJSON(ctx, r.http, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Portfolios, nil
}

func matchWallet(portfolios []walletPortfolio, addr string) []walletPortfolio {
	out := make([]walletPortfolio, 0, 1)
	for _, p := range portfolios {
		if strings.EqualFold(p.WalletAddress, addr) {
			out = append(out, p)
		}
	}
	return out
}

// mergeWallets flattens wallets into one snapshot. Networks within a wallet
// are sorted by name since the API returns them as an object.
func mergeWallets(portfolios []walletPortfolio) portfolio.Snapshot {
	var snapshot portfolio.Snapshot
	for _, p := range portfolios {
		names := make([]string, 0, len(p.BalancesByNetwork))
		for name := range p.BalancesByNetwork {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			snapshot.Networks = append(snapshot.Networks, portfolio.NetworkHolding{
				Network: name,
				Tokens:  p.BalancesByNetwork[name].Tokens,
			})
		}
		snapshot.ReportedTotalUSD = snapshot.ReportedTotalUSD.Add(portfolio.CoerceUSD(p.TotalValueUSD))
	}
	return snapshot
}
