// Command sonarctl is the operator CLI for a Sonar coordination service.
//
// Usage:
//
//	sonarctl [flags] <command> [args]
//
// Commands:
//
//	join <operator> <user> <channel> [description] [location]
//	part <operator> <user> <channel> [reason]
//	destroy <operator> <channel> [reason]
//	disconnect <operator> <user> [reason]
//	users <operator> <channel>
//	status <operator> <user>...
//	control-token <operator> <user> [description]
//	channel-token <operator> <user> <description> <channel> <chan-description> [location] [client-addr]
//	batch <file.yaml>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sonarvoip/sonar/pkg/client"
	"github.com/sonarvoip/sonar/pkg/logging"
	"github.com/sonarvoip/sonar/pkg/version"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7400", "Control plane address")
	secret := flag.String("secret", "", "Operator shared secret (empty for open deployments)")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-command timeout")
	logLevel := flag.String("log-level", "warn", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("sonarctl", version.Full())
		return
	}
	if err := logging.Setup(logging.Options{Level: *logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	op, err := client.ConnectOperator(ctx, *addr, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer op.Close()

	if err := runCommand(ctx, op, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

var errUsage = errors.New("wrong number of arguments")

func runCommand(ctx context.Context, op *client.Operator, cmd string, args []string) error {
	at := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "join":
		if len(args) < 3 {
			return errUsage
		}
		token, err := op.JoinUserToChannel(ctx, args[0], args[1], args[2], at(3), at(4))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	case "part":
		if len(args) < 3 {
			return errUsage
		}
		return op.PartUserFromChannel(ctx, args[0], args[1], args[2], at(3))

	case "destroy":
		if len(args) < 2 {
			return errUsage
		}
		return op.DestroyChannel(ctx, args[0], args[1], at(2))

	case "disconnect":
		if len(args) < 2 {
			return errUsage
		}
		return op.DisconnectUser(ctx, args[0], args[1], at(2))

	case "users":
		if len(args) != 2 {
			return errUsage
		}
		users, err := op.GetUsersInChannel(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Println(u)
		}
		return nil

	case "status":
		if len(args) < 2 {
			return errUsage
		}
		statuses, err := op.GetUsersOnlineStatus(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		for _, st := range statuses {
			state := "offline"
			if st.Online {
				state = "online"
			}
			fmt.Printf("%s\t%s\t%s\n", st.UserID, state, st.Extra)
		}
		return nil

	case "control-token":
		if len(args) < 2 {
			return errUsage
		}
		token, err := op.GetUserControlToken(ctx, args[0], args[1], at(2), "", "", "")
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	case "channel-token":
		if len(args) < 5 {
			return errUsage
		}
		token, err := op.GetChannelToken(ctx, args[0], args[1], args[2], args[3], args[4], at(5), at(6))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil

	case "batch":
		if len(args) != 1 {
			return errUsage
		}
		return runBatch(ctx, op, args[0])

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// batchFile is a YAML script of directory operations, applied in order.
// Useful for seeding a deployment or bulk channel moves.
type batchFile struct {
	Operator string `yaml:"operator"`
	Joins    []struct {
		User        string `yaml:"user"`
		Channel     string `yaml:"channel"`
		Description string `yaml:"description"`
		Location    string `yaml:"location"`
	} `yaml:"joins"`
	Parts []struct {
		User    string `yaml:"user"`
		Channel string `yaml:"channel"`
		Reason  string `yaml:"reason"`
	} `yaml:"parts"`
	Destroys []struct {
		Channel string `yaml:"channel"`
		Reason  string `yaml:"reason"`
	} `yaml:"destroys"`
}

func runBatch(ctx context.Context, op *client.Operator, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI arg
	if err != nil {
		return err
	}
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}
	if bf.Operator == "" {
		return fmt.Errorf("batch file missing operator")
	}

	for _, j := range bf.Joins {
		if _, err := op.JoinUserToChannel(ctx, bf.Operator, j.User, j.Channel, j.Description, j.Location); err != nil {
			return fmt.Errorf("join %s -> %s: %w", j.User, j.Channel, err)
		}
	}
	for _, p := range bf.Parts {
		if err := op.PartUserFromChannel(ctx, bf.Operator, p.User, p.Channel, p.Reason); err != nil {
			return fmt.Errorf("part %s from %s: %w", p.User, p.Channel, err)
		}
	}
	for _, d := range bf.Destroys {
		if err := op.DestroyChannel(ctx, bf.Operator, d.Channel, d.Reason); err != nil {
			return fmt.Errorf("destroy %s: %w", d.Channel, err)
		}
	}
	return nil
}
