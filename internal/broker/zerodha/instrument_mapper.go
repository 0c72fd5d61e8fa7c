package zerodha

import (
	"fmt"
	"strings"
	"sync"
)

// instrumentMapper manages bidirectional mapping between instrument keys
// ("EXCHANGE:TRADINGSYMBOL") and Kite instrument tokens.
type instrumentMapper struct {
	keyToToken map[string]uint32
	tokenToKey map[uint32]string
	mu         sync.RWMutex
}

func newInstrumentMapper(tokens map[string]uint32) *instrumentMapper {
	im := &instrumentMapper{
		keyToToken: make(map[string]uint32, len(tokens)),
		tokenToKey: make(map[uint32]string, len(tokens)),
	}
	for k, t := range tokens {
		im.addMapping(k, t)
	}
	return im
}

func (im *instrumentMapper) addMapping(key string, token uint32) {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.keyToToken[key] = token
	im.tokenToKey[token] = key
}

// tokens resolves keys, failing on the first unknown one.
func (im *instrumentMapper) tokens(keys []string) ([]uint32, error) {
	im.mu.RLock()
	defer im.mu.RUnlock()

	out := make([]uint32, 0, len(keys))
	for _, k := range keys {
		t, ok := im.keyToToken[k]
		if !ok {
			return nil, fmt.Errorf("no instrument token for %s", k)
		}
		out = append(out, t)
	}
	return out, nil
}

func (im *instrumentMapper) getKey(token uint32) string {
	im.mu.RLock()
	defer im.mu.RUnlock()

	return im.tokenToKey[token]
}

// splitKey splits "NSE:INFY" into exchange and trading symbol. A bare symbol
// gets defaultExchange.
func splitKey(key, defaultExchange string) (exchange, symbol string) {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i], key[i+1:]
	}
	return defaultExchange, key
}

func joinKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}
