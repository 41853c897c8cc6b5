package ethereum

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// parsed ABIs keyed by their JSON text; contracts are rebound on every
// endpoint switch and the pair contract on every swap.
var abiCache sync.Map

func parseABI(abiJSON string) (*abi.ABI, error) {
	if cached, ok := abiCache.Load(abiJSON); ok {
		return cached.(*abi.ABI), nil
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	actual, _ := abiCache.LoadOrStore(abiJSON, &parsed)
	return actual.(*abi.ABI), nil
}
