package source

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"gopkg.in/yaml.v3"
)

// LoadSnapshotFile reads a snapshot from JSON or YAML. Both the native
// {"networks": [...]} layout and a portfolio API response are accepted.
func LoadSnapshotFile(path string) (portfolio.Snapshot, error) {
	buf, err := readDocument(path)
	if err != nil {
		return portfolio.Snapshot{}, err
	}

	var probe struct {
		Data *struct {
			Portfolios []walletPortfolio `json:"portfolios"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf, &probe); err == nil && probe.Data != nil {
		return mergeWallets(probe.Data.Portfolios), nil
	}

	var snapshot portfolio.Snapshot
	if err := json.Unmarshal(buf, &snapshot); err != nil {
		return portfolio.Snapshot{}, clierr.Wrap(clierr.CodeUsage, "portfolio file is not a valid snapshot", err)
	}
	return snapshot, nil
}

// LoadStrategiesFile reads a list of strategies, or an object with a
// "strategies" list, from JSON or YAML.
func LoadStrategiesFile(path string) ([]portfolio.Strategy, error) {
	buf, err := readDocument(path)
	if err != nil {
		return nil, err
	}

	var list []portfolio.Strategy
	if err := json.Unmarshal(buf, &list); err != nil {
		var wrapped struct {
			Strategies []portfolio.Strategy `json:"strategies"`
		}
		if err2 := json.Unmarshal(buf, &wrapped); err2 != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "strategies file is not a valid strategy list", err)
		}
		list = wrapped.Strategies
	}
	for i, s := range list {
		if strings.TrimSpace(s.Name) == "" {
			return nil, clierr.New(clierr.CodeUsage, "every strategy needs a name (entry "+strconv.Itoa(i)+")")
		}
	}
	return list, nil
}

// readDocument returns the file as JSON, converting YAML by extension.
func readDocument(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read "+filepath.Base(path), err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(buf, &doc); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse "+filepath.Base(path), err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "convert "+filepath.Base(path), err)
		}
		return out, nil
	default:
		if len(bytes.TrimSpace(buf)) == 0 {
			return nil, clierr.New(clierr.CodeUsage, filepath.Base(path)+" is empty")
		}
		return buf, nil
	}
}
