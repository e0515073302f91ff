// Package config loads the engine's runtime configuration, matching
// spec.md §6's "Environment inputs" and "Configuration (recognized
// options)" sections.
//
// Grounded on the teacher's cmd/engine/main.go requireEnv/
// getEnvOrDefault split, replaced one-for-one with
// github.com/spf13/viper reading environment variables and an
// optional YAML file, keeping the same required-vs-defaulted
// semantics and the same fail-fast-on-missing-secret behavior.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rawblock/roulette-engine/pkg/models"
	"github.com/spf13/viper"
)

// QuickMatch holds the fixed-price automatic matchmaking defaults.
type QuickMatch struct {
	SeatPrice      int64
	MinPlayers     int
	MaxPlayers     int
	TimeoutSeconds int
}

// CustomRoom holds the operator-defined room bounds.
type CustomRoom struct {
	MinSeatPrice   int64
	MaxSeatPrice   int64
	MinPlayers     int
	MaxPlayers     int
	TimeoutSeconds int
}

// Config is the fully-resolved runtime configuration.
type Config struct {
	Network               string // "mainnet" | "testnet-10"
	WalletMnemonic        string // secret
	TreasuryAddress       string
	HTTPPort              string
	WebSocketPort         string
	BotsEnabled           bool
	DatabaseURL           string
	ChainRPCHost          string
	ChainRPCUser          string
	ChainRPCPass          string

	HouseCutPercent       int
	QuickMatch            QuickMatch
	CustomRoom            CustomRoom
	SettlementBlockOffset uint64
	TurnTimeoutSeconds    int
}

// Load reads configuration from the environment and an optional
// config.yaml in the working directory, failing fast on missing
// secrets the same way the teacher's requireEnv does.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
		log.Println("[Config] no config.yaml found, using environment + defaults")
	}

	mnemonic, err := mustGetString(v, "WALLET_MNEMONIC")
	if err != nil {
		return nil, err
	}
	treasury, err := mustGetString(v, "TREASURY_ADDRESS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network:         v.GetString("NETWORK"),
		WalletMnemonic:  mnemonic,
		TreasuryAddress: treasury,
		HTTPPort:        v.GetString("HTTP_PORT"),
		WebSocketPort:   v.GetString("WS_PORT"),
		BotsEnabled:     v.GetBool("BOTS_ENABLED"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		ChainRPCHost:    v.GetString("CHAIN_RPC_HOST"),
		ChainRPCUser:    v.GetString("CHAIN_RPC_USER"),
		ChainRPCPass:    v.GetString("CHAIN_RPC_PASS"),

		HouseCutPercent: v.GetInt("HOUSE_CUT_PERCENT"),
		QuickMatch: QuickMatch{
			SeatPrice:      v.GetInt64("QUICKMATCH_SEATPRICE"),
			MinPlayers:     v.GetInt("QUICKMATCH_MINPLAYERS"),
			MaxPlayers:     v.GetInt("QUICKMATCH_MAXPLAYERS"),
			TimeoutSeconds: v.GetInt("QUICKMATCH_TIMEOUTSECONDS"),
		},
		CustomRoom: CustomRoom{
			MinSeatPrice:   v.GetInt64("CUSTOMROOM_MINSEATPRICE"),
			MaxSeatPrice:   v.GetInt64("CUSTOMROOM_MAXSEATPRICE"),
			MinPlayers:     v.GetInt("CUSTOMROOM_MINPLAYERS"),
			MaxPlayers:     v.GetInt("CUSTOMROOM_MAXPLAYERS"),
			TimeoutSeconds: v.GetInt("CUSTOMROOM_TIMEOUTSECONDS"),
		},
		SettlementBlockOffset: v.GetUint64("SETTLEMENTBLOCKOFFSET"),
		TurnTimeoutSeconds:    v.GetInt("TURNTIMEOUTSECONDS"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("NETWORK", "testnet-10")
	v.SetDefault("HTTP_PORT", "5339")
	v.SetDefault("WS_PORT", "5339")
	v.SetDefault("BOTS_ENABLED", false)

	v.SetDefault("HOUSE_CUT_PERCENT", 5)
	v.SetDefault("QUICKMATCH_SEATPRICE", 10)
	v.SetDefault("QUICKMATCH_MINPLAYERS", 6)
	v.SetDefault("QUICKMATCH_MAXPLAYERS", 6)
	v.SetDefault("QUICKMATCH_TIMEOUTSECONDS", 60)
	v.SetDefault("CUSTOMROOM_MINSEATPRICE", 1)
	v.SetDefault("CUSTOMROOM_MAXSEATPRICE", 1000)
	v.SetDefault("CUSTOMROOM_MINPLAYERS", 2)
	v.SetDefault("CUSTOMROOM_MAXPLAYERS", 6)
	v.SetDefault("CUSTOMROOM_TIMEOUTSECONDS", 60)
	v.SetDefault("SETTLEMENTBLOCKOFFSET", 5)
	v.SetDefault("TURNTIMEOUTSECONDS", 30)
}

// mustGetString mirrors the teacher's requireEnv: fail fast rather
// than start the binary with a missing secret.
func mustGetString(v *viper.Viper, key string) (string, error) {
	val := v.GetString(key)
	if val == "" {
		return "", fmt.Errorf("config: required value %s is not set", key)
	}
	return val, nil
}

// MatchmakingRules resolves quickMatch/customRoom bounds for a
// (mode, seatPrice) pair, consumed by internal/realtime's Dispatcher.
func (c *Config) MatchmakingRules() func(mode models.Mode, seatPrice int64) (minPlayers, maxPlayers int, fundingTimeout time.Duration) {
	return func(mode models.Mode, seatPrice int64) (int, int, time.Duration) {
		if seatPrice == c.QuickMatch.SeatPrice {
			return c.QuickMatch.MinPlayers, c.QuickMatch.MaxPlayers, time.Duration(c.QuickMatch.TimeoutSeconds) * time.Second
		}
		return c.CustomRoom.MinPlayers, c.CustomRoom.MaxPlayers, time.Duration(c.CustomRoom.TimeoutSeconds) * time.Second
	}
}
