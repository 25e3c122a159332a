package ledger

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Genesis models the structure of configs/genesis.yaml: the privileged
// principals, the credit unit price, and any assets seeded at boot.
type Genesis struct {
	Owner          string        `yaml:"owner"`
	Issuer         string        `yaml:"issuer"`
	Operator       string        `yaml:"operator"`
	CreditPriceWei string        `yaml:"credit_price_wei"`
	Assets         []GenesisAsset `yaml:"assets"`
}

// GenesisAsset describes a single asset minted when the ledger is built.
type GenesisAsset struct {
	Beneficiary       string `yaml:"beneficiary"`
	PricePerSecondWei string `yaml:"price_per_second_wei"`
}

// LoadGenesis parses the YAML file containing the ledger genesis state.
func LoadGenesis(path string) (Genesis, error) {
	if strings.TrimSpace(path) == "" {
		return Genesis{}, fmt.Errorf("账本初始配置路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("读取账本初始配置失败: %w", err)
	}

	var genesis Genesis
	if err := yaml.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, fmt.Errorf("解析账本初始配置失败: %w", err)
	}
	return genesis, nil
}

// Build validates the genesis definition and constructs a ledger from it,
// minting and pricing every seeded asset.
func (g Genesis) Build(opts ...Option) (*Ledger, error) {
	owner, err := parseAddress("owner", g.Owner)
	if err != nil {
		return nil, err
	}
	issuer, err := parseAddress("issuer", g.Issuer)
	if err != nil {
		return nil, err
	}
	operator, err := parseAddress("operator", g.Operator)
	if err != nil {
		return nil, err
	}
	creditPrice, err := parseWei("credit_price_wei", g.CreditPriceWei)
	if err != nil {
		return nil, err
	}

	l, err := New(owner, issuer, operator, creditPrice, opts...)
	if err != nil {
		return nil, err
	}

	for i, seed := range g.Assets {
		beneficiary, err := parseAddress(fmt.Sprintf("assets[%d].beneficiary", i), seed.Beneficiary)
		if err != nil {
			return nil, err
		}
		id, err := l.MintAsset(issuer, beneficiary)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(seed.PricePerSecondWei) == "" {
			continue
		}
		price, err := parseWei(fmt.Sprintf("assets[%d].price_per_second_wei", i), seed.PricePerSecondWei)
		if err != nil {
			return nil, err
		}
		if err := l.SetPrice(beneficiary, id, price); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("账本初始配置 %s 不是合法地址: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseWei(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("账本初始配置 %s 不是合法的 wei 数值: %q", field, raw)
	}
	return value, nil
}
