package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Exchange holds the runtime parameters of one exchange node.
type Exchange struct {
	// DataDir is the root for the pebble databases (orders, ledger,
	// trades).
	DataDir string

	// ListenAddr is the REST/WebSocket bind address.
	ListenAddr string

	// Admin may register pairs, change fees, and mint test balances.
	Admin common.Address

	// Operator is the custody spender traders approve for settlement.
	// Defaults to Admin when unset.
	Operator common.Address

	// FeeRecipient collects maker and taker fees, in quote tokens.
	FeeRecipient common.Address

	MakerFeeBps int64
	TakerFeeBps int64

	// MaxMatchesPerOrder bounds how many resting orders one submission may
	// cross before failing with a resource-exhausted error. 0 = unbounded.
	MaxMatchesPerOrder int
}

type Config struct {
	Exchange Exchange
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			DataDir:            "./data",
			ListenAddr:         ":8080",
			MakerFeeBps:        10, // 0.10%
			TakerFeeBps:        20, // 0.20%
			MaxMatchesPerOrder: 256,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Exchange.DataDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Exchange.ListenAddr = v
	}
	if v := os.Getenv("ADMIN_ADDRESS"); common.IsHexAddress(v) {
		cfg.Exchange.Admin = common.HexToAddress(v)
	}
	if v := os.Getenv("OPERATOR_ADDRESS"); common.IsHexAddress(v) {
		cfg.Exchange.Operator = common.HexToAddress(v)
	}
	if v := os.Getenv("FEE_RECIPIENT"); common.IsHexAddress(v) {
		cfg.Exchange.FeeRecipient = common.HexToAddress(v)
	}
	if v := os.Getenv("MAKER_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Exchange.MakerFeeBps = bps
		}
	}
	if v := os.Getenv("TAKER_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Exchange.TakerFeeBps = bps
		}
	}
	if v := os.Getenv("MAX_MATCHES_PER_ORDER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.MaxMatchesPerOrder = n
		}
	}

	if (cfg.Exchange.Operator == common.Address{}) {
		cfg.Exchange.Operator = cfg.Exchange.Admin
	}
	return cfg
}
