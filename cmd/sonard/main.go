package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sonarvoip/sonar/pkg/logging"
	"github.com/sonarvoip/sonar/pkg/server"
	"github.com/sonarvoip/sonar/pkg/token"
	"github.com/sonarvoip/sonar/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override)")
	flag.StringVar(&cfg.ControlAddr, "control", cfg.ControlAddr, "TCP control plane bind address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for generated key files")
	flag.StringVar(&cfg.PrivateKeyFile, "signing-key", "", "Token signing key PEM file (auto-generated if empty)")
	flag.StringVar(&cfg.PublicKeyFile, "verify-key", "", "Token verify key PEM file (auto-generated if empty)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Validity of issued tokens (0 = no expiry)")
	flag.DurationVar(&cfg.KeepaliveInterval, "keepalive", cfg.KeepaliveInterval, "Keepalive probe interval")
	flag.IntVar(&cfg.KeepaliveMisses, "keepalive-misses", cfg.KeepaliveMisses, "Missed keepalive replies before a connection is closed")
	flag.DurationVar(&cfg.ChallengeTimeout, "challenge-timeout", cfg.ChallengeTimeout, "UDP ownership challenge round-trip budget")

	hashSecret := flag.Bool("hash-operator-secret", false, "Read a secret from stdin, print its argon2id hash, and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println("sonard", version.Full())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	// Hash command (run and exit): lets deployments generate the
	// operator_secret_hash config value without extra tooling.
	if *hashSecret {
		var secret string
		if _, err := fmt.Fscanln(os.Stdin, &secret); err != nil {
			slog.Error("read secret from stdin", "err", err)
			os.Exit(1)
		}
		hash, err := server.HashOperatorSecret(secret)
		if err != nil {
			slog.Error("hash secret", "err", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if *configFile != "" {
		fileCfg, err := server.LoadConfig(*configFile)
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		// Flags win over the file; re-apply any flag set explicitly.
		flagged := cfg
		cfg = fileCfg
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "control":
				cfg.ControlAddr = flagged.ControlAddr
			case "metrics":
				cfg.MetricsAddr = flagged.MetricsAddr
			case "data":
				cfg.DataDir = flagged.DataDir
			case "signing-key":
				cfg.PrivateKeyFile = flagged.PrivateKeyFile
			case "verify-key":
				cfg.PublicKeyFile = flagged.PublicKeyFile
			case "token-ttl":
				cfg.TokenTTL = flagged.TokenTTL
			case "keepalive":
				cfg.KeepaliveInterval = flagged.KeepaliveInterval
			case "keepalive-misses":
				cfg.KeepaliveMisses = flagged.KeepaliveMisses
			case "challenge-timeout":
				cfg.ChallengeTimeout = flagged.ChallengeTimeout
			}
		})
	}

	privPath, pubPath := cfg.KeyPaths()
	priv, pub, err := token.LoadOrGenerateKeys(privPath, pubPath)
	if err != nil {
		slog.Error("load signing keys", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{
		Signer:    token.NewSigner(priv, cfg.TokenTTL),
		VerifyKey: pub,
	})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
