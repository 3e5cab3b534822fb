package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"e2e_mediator/internal/config"
	"e2e_mediator/internal/model"
	"e2e_mediator/internal/service/app"
	"e2e_mediator/internal/service/task"
	"e2e_mediator/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgPath      string
	identityFlag string
	deviceID     uint64
	cfg          *config.Config
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "e2em",
		Short:        "End-to-end encrypted chat client with multi-device support",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			if identityFlag != "" {
				cfg.Identity = identityFlag
			}
			if cmd.Flags().Changed("device") {
				cfg.DeviceID = deviceID
			}
			if _, err := log.Setup(cfg.Log); err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./e2e_mediator.yaml)")
	root.PersistentFlags().StringVarP(&identityFlag, "identity", "i", "", "identity this device acts for")
	root.PersistentFlags().Uint64Var(&deviceID, "device", 0, "device id within the device group")

	root.AddCommand(identityCmd(), runCmd(), sendCmd(), contactCmd(), historyCmd(), fsRefreshCmd(), devicesCmd(), queueCmd())
	return root
}

// withEnv opens the stores for one command and closes them afterwards.
func withEnv(f func(ctx context.Context, e *env) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()
	return f(ctx, e)
}

// await waits for a queued task. Tasks keep their place in the queue when the wait is
// interrupted and are executed by the next run.
func await(ctx context.Context, c *task.Completion, what string) error {
	if err := c.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	fmt.Println(what, "done")
	return nil
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the identity of this device",
	}

	var (
		nickname   string
		privateKey string
		groupKey   string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the identity, or join it from another device with --private-key and --group-key",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := app.IdentityParams{
				Identity: cfg.Identity,
				Nickname: nickname,
				DeviceID: cfg.DeviceID,
			}
			var err error
			if privateKey != "" {
				if p.PrivateKey, err = hex.DecodeString(privateKey); err != nil {
					return fmt.Errorf("private key: %w", err)
				}
			}
			if groupKey != "" {
				if p.GroupKey, err = hex.DecodeString(groupKey); err != nil {
					return fmt.Errorf("group key: %w", err)
				}
			} else if p.GroupKey, err = cfg.DeviceGroupKeyBytes(); err != nil {
				return err
			}

			return withEnv(func(ctx context.Context, e *env) error {
				me, err := app.LoadOrCreateIdentity(ctx, e.identities(), p)
				if err != nil {
					return err
				}
				fmt.Printf("identity:   %s\n", me.Identity)
				fmt.Printf("device:     %x\n", me.DeviceID)
				fmt.Printf("public key: %x\n", me.PublicKey)
				return nil
			})
		},
	}
	initCmd.Flags().StringVar(&nickname, "nickname", "", "nickname shown to contacts")
	initCmd.Flags().StringVar(&privateKey, "private-key", "", "hex private key of an existing identity")
	initCmd.Flags().StringVar(&groupKey, "group-key", "", "hex device group key of an existing identity")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Print the keys another device needs to join this identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				me, err := e.loadIdentity(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("--private-key %x --group-key %x\n", me.PrivateKey, me.DeviceGroupKey)
				return nil
			})
		},
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Publish the public key in the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				me, err := e.loadIdentity(ctx)
				if err != nil {
					return err
				}
				dir, err := app.NewDirectory(cfg.Mediator.HTTPURL)
				if err != nil {
					return err
				}
				if err := dir.Register(ctx, me.Public()); err != nil {
					return err
				}
				fmt.Println("registered", me.Identity)
				return nil
			})
		},
	}

	cmd.AddCommand(initCmd, exportCmd, registerCmd)
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected, process queued tasks and print received messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				a, err := e.newApp(ctx, printMessage)
				if err != nil {
					return err
				}
				a.OnReady(func() {
					log.Info("device ready", zap.String("identity", a.Identity().Identity))
				})
				return a.Run(ctx)
			})
		},
	}
}

func printMessage(m *model.Message) {
	arrow := "<"
	if m.Direction == model.Outgoing {
		arrow = ">"
	}
	fmt.Printf("%s %s %s: %s\n", m.CreatedAt.Format(time.TimeOnly), arrow, m.Peer, m.Text)
}

func sendCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "send <identity>[,<identity>...] <text>",
		Short: "Send a text message to one or more contacts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients := splitList(args[0])
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					c, err := a.SendText(ctx, recipients, args[1])
					if err != nil {
						return err
					}
					if !wait {
						fmt.Println("queued")
						return nil
					}
					return await(ctx, c, "send")
				})
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until the server accepted the message")
	return cmd
}

func contactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts, changes are synced to the other devices",
	}

	var (
		nickname string
		noFS     bool
	)
	addCmd := &cobra.Command{
		Use:   "add <identity>",
		Short: "Add a contact looked up in the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					c, err := a.AddContact(ctx, args[0], nickname, !noFS)
					if err != nil {
						return err
					}
					return await(ctx, c, "contact add")
				})
			})
		},
	}
	addCmd.Flags().StringVar(&nickname, "nickname", "", "nickname of the contact")
	addCmd.Flags().BoolVar(&noFS, "no-fs", false, "never use forward security with this contact")

	deleteCmd := &cobra.Command{
		Use:   "delete <identity>",
		Short: "Delete a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					c, err := a.DeleteContact(ctx, args[0])
					if err != nil {
						return err
					}
					return await(ctx, c, "contact delete")
				})
			})
		},
	}

	blockCmd := func(use string, blocked bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <identity>",
			Short: use + " a contact",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEnv(func(ctx context.Context, e *env) error {
					return e.online(ctx, func(ctx context.Context, a *app.App) error {
						c, err := a.BlockContact(ctx, args[0], blocked)
						if err != nil {
							return err
						}
						return await(ctx, c, "contact "+use)
					})
				})
			},
		}
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				a, err := e.newApp(ctx, nil)
				if err != nil {
					return err
				}
				contacts, err := a.Contacts(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTITY\tNICKNAME\tSTATE\tBLOCKED\tFS")
				for _, c := range contacts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", c.Identity, c.Nickname, c.State, c.Blocked, c.ForwardSecurity)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(addCmd, deleteCmd, blockCmd("block", true), blockCmd("unblock", false), listCmd)
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "history <identity>",
		Short: "Print the conversation with a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				a, err := e.newApp(ctx, nil)
				if err != nil {
					return err
				}
				messages, err := a.Conversation(ctx, args[0], limit)
				if err != nil {
					return err
				}
				for _, m := range messages {
					printMessage(m)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "number of most recent messages")
	return cmd
}

func fsRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fs-refresh [identity...]",
		Short: "Refresh forward security sessions, with every contact when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					c, err := a.RefreshForwardSecurity(ctx, args...)
					if err != nil {
						return err
					}
					return await(ctx, c, "fs refresh")
				})
			})
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage the devices of the device group",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the devices known to the mediator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					devices, err := a.Devices(ctx)
					if err != nil {
						return err
					}
					w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(w, "DEVICE\tLABEL\tPLATFORM\tLAST LOGIN")
					for _, d := range devices {
						current := ""
						if d.ID == a.Identity().DeviceID {
							current = " (this device)"
						}
						fmt.Fprintf(w, "%x%s\t%s\t%s\t%s\n", d.ID, current, d.Label, d.Platform, d.LastLoginAt.Format(time.DateTime))
					}
					return w.Flush()
				})
			})
		},
	}

	dropCmd := &cobra.Command{
		Use:   "drop <device id>",
		Short: "Remove another device from the group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 16, 64)
			if err != nil {
				return fmt.Errorf("device id must be hex: %w", err)
			}
			return withEnv(func(ctx context.Context, e *env) error {
				return e.online(ctx, func(ctx context.Context, a *app.App) error {
					c, err := a.DropDevice(ctx, id)
					if err != nil {
						return err
					}
					return await(ctx, c, "drop device")
				})
			})
		},
	}

	cmd.AddCommand(listCmd, dropCmd)
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the persistent task queues",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				a, err := e.newApp(ctx, nil)
				if err != nil {
					return err
				}
				return printQueue(ctx, a)
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <task id>",
		Short: "Remove a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(func(ctx context.Context, e *env) error {
				a, err := e.newApp(ctx, nil)
				if err != nil {
					return err
				}
				if err := a.OpenQueues(ctx); err != nil {
					return err
				}
				if err := a.CancelTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("canceled", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, cancelCmd)
	return cmd
}

func printQueue(ctx context.Context, a *app.App) error {
	if err := a.OpenQueues(ctx); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tLAST ERROR")
	for _, p := range a.PendingTasks() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.ID, p.Kind, p.Attempts, p.LastError)
	}
	return w.Flush()
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
