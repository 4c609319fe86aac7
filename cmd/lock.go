package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/redlockctl/internal/redisclient"
	"github.com/kalbasit/redlockctl/redlock"
)

func addrFlag(flagSources flagSourcesFn) *cli.StringSliceFlag {
	return &cli.StringSliceFlag{
		Name:     "addr",
		Usage:    "Redis server address; repeat once per quorum participant",
		Sources:  flagSources("redis.addrs", "REDLOCKCTL_ADDR"),
		Required: true,
	}
}

func keyFlag(flagSources flagSourcesFn) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "key",
		Usage:    "Name of the resource to lock",
		Sources:  flagSources("key", "REDLOCKCTL_KEY"),
		Required: true,
	}
}

func ttlFlag(flagSources flagSourcesFn, name, usage string) *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:    name,
		Usage:   usage,
		Sources: flagSources(name, "REDLOCKCTL_"+name),
		Value:   10 * time.Second,
	}
}

// dialManager connects to every addr and builds a redlock.Manager across all
// of them. It does not tolerate a degraded quorum: if any node fails to
// answer, the clients already dialed are closed and an error is returned.
func dialManager(ctx context.Context, addrs []string) (*redlock.Manager, error) {
	clients := make([]redlock.ServerClient, 0, len(addrs))

	for _, addr := range addrs {
		rdb := redis.NewClient(&redis.Options{Addr: addr})

		c := redisclient.New(rdb)

		if err := c.Ping(ctx); err != nil {
			for _, existing := range clients {
				_ = existing.Quit(ctx)
			}

			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}

		clients = append(clients, c)
	}

	return redlock.NewManager(clients)
}

func lockCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "Acquire a Redlock quorum lock and print its value and expiration",
		Flags: []cli.Flag{
			addrFlag(flagSources),
			keyFlag(flagSources),
			ttlFlag(flagSources, "ttl", "Lease duration for the lock"),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			manager, err := dialManager(ctx, cmd.StringSlice("addr"))
			if err != nil {
				return err
			}
			defer manager.Quit(ctx)

			resource := redlock.Key(cmd.String("key"))

			lk, err := manager.Acquire(ctx, resource, cmd.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to acquire lock: %w", err)
			}

			zerolog.Ctx(ctx).Info().
				Str("key", cmd.String("key")).
				Str("value", lk.Value()).
				Time("expiration", lk.Expiration()).
				Int("attempts", lk.Attempts()).
				Msg("lock acquired")

			fmt.Fprintf(os.Stdout, "%s\t%s\n", lk.Value(), lk.Expiration().Format(time.RFC3339Nano))

			return nil
		},
	}
}

func unlockCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "unlock",
		Usage: "Release a previously acquired lock",
		Flags: []cli.Flag{
			addrFlag(flagSources),
			keyFlag(flagSources),
			&cli.StringFlag{
				Name:     "value",
				Usage:    "Value printed by the lock command that acquired this lock",
				Sources:  flagSources("value", "REDLOCKCTL_VALUE"),
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			manager, err := dialManager(ctx, cmd.StringSlice("addr"))
			if err != nil {
				return err
			}
			defer manager.Quit(ctx)

			resource := redlock.Key(cmd.String("key"))
			lk := manager.Attach(resource, cmd.String("value"), time.Now().Add(time.Hour))

			if err := lk.Unlock(ctx); err != nil {
				return fmt.Errorf("failed to release lock: %w", err)
			}

			zerolog.Ctx(ctx).Info().Str("key", cmd.String("key")).Msg("lock released")

			return nil
		},
	}
}

func extendCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "extend",
		Usage: "Renew the lease on a previously acquired lock",
		Flags: []cli.Flag{
			addrFlag(flagSources),
			keyFlag(flagSources),
			&cli.StringFlag{
				Name:     "value",
				Usage:    "Value printed by the lock command that acquired this lock",
				Sources:  flagSources("value", "REDLOCKCTL_VALUE"),
				Required: true,
			},
			ttlFlag(flagSources, "ttl", "New lease duration"),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			manager, err := dialManager(ctx, cmd.StringSlice("addr"))
			if err != nil {
				return err
			}
			defer manager.Quit(ctx)

			resource := redlock.Key(cmd.String("key"))
			lk := manager.Attach(resource, cmd.String("value"), time.Now().Add(time.Hour))

			lk, err = lk.Extend(ctx, cmd.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to extend lock: %w", err)
			}

			zerolog.Ctx(ctx).Info().
				Str("key", cmd.String("key")).
				Time("expiration", lk.Expiration()).
				Msg("lock extended")

			fmt.Fprintf(os.Stdout, "%s\t%s\n", lk.Value(), lk.Expiration().Format(time.RFC3339Nano))

			return nil
		},
	}
}
