package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sqs/internal/app"
	"sqs/internal/domain"
	"sqs/internal/engine"
	"sqs/internal/layers"
	"sqs/internal/repo"
	sqsclient "sqs/sdk/go"
)

func queryCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "query",
		Short: "Run spatial queries",
	}
	q.AddCommand(queryRunCmd())
	q.AddCommand(querySingleCmd())
	q.AddCommand(queryPointCmd())
	return q
}

// remoteClient returns an API client when --server is set.
func remoteClient(cmd *cobra.Command) *sqsclient.Client {
	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		return nil
	}
	c := sqsclient.New(serverURL)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "send the request to a running sqs server instead of the local workspace")
}

func queryRunCmd() *cobra.Command {
	var enqueue bool
	var priority int
	cmd := &cobra.Command{
		Use:   "run <request.json|->",
		Short: "Prefill a proposal from a FULL or PARTIAL request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[0])
			if err != nil {
				return err
			}
			if c := remoteClient(cmd); c != nil {
				if enqueue {
					res, err := c.Enqueue(cmd.Context(), payload, priority)
					if err != nil {
						return err
					}
					return printJSONOrTable(res)
				}
				res, err := c.SpatialQuery(cmd.Context(), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Response)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if enqueue {
					res, err := a.Engine.Enqueue(ctx, engine.EnqueueOptions{
						Payload:   payload,
						Priority:  priority,
						Requester: viper.GetString("actor-id"),
					})
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Printf("%s task %s for %s/%d at queue position %d\n", res.Status, res.Task.ID, res.Task.System, res.Task.AppID, res.Position)
					return nil
				}
				res, err := a.Engine.SpatialQuery(ctx, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res.Cached {
					fmt.Fprintf(os.Stderr, "served from request log %d\n", res.RequestLogID)
				}
				return printJSON(res.Response)
			})
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue the request instead of evaluating it now")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority: 1 high, 2 normal, 3 low")
	addRemoteFlags(cmd)
	return cmd
}

func querySingleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "single <request.json|->",
		Short: "Evaluate one question from a SINGLE request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[0])
			if err != nil {
				return err
			}
			if c := remoteClient(cmd); c != nil {
				res, err := c.SingleQuery(cmd.Context(), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.SingleQuery(ctx, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func queryPointCmd() *cobra.Command {
	var q layers.PointQuery
	cmd := &cobra.Command{
		Use:   "point",
		Short: "Attributes of the layer feature under a point",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(cmd); c != nil {
				res, err := c.PointQuery(cmd.Context(), sqsclient.PointQuery(q))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Layers.PointQuery(ctx, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&q.LayerName, "layer", "", "layer name")
	cmd.Flags().Float64Var(&q.Longitude, "lon", 0, "longitude (EPSG:4326)")
	cmd.Flags().Float64Var(&q.Latitude, "lat", 0, "latitude (EPSG:4326)")
	cmd.Flags().StringArrayVar(&q.LayerAttrs, "attr", nil, "attribute to return (repeatable, default all)")
	cmd.Flags().StringVar(&q.Predicate, "predicate", "within", "spatial join predicate: within or intersects")
	_ = cmd.MarkFlagRequired("layer")
	addRemoteFlags(cmd)
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect and drive the task queue",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskPositionCmd())
	t.AddCommand(taskCancelCmd())
	t.AddCommand(taskRunNextCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the live queue, or tasks matching filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var tasks []domain.Task
				var err error
				queueOnly := f.Status == "" && f.AppID == 0 && f.System == ""
				if queueOnly {
					tasks, err = a.Engine.Queue(ctx)
				} else {
					tasks, err = a.Engine.ListTasks(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "ID", "System", "App", "Status", "Priority", "Retries", "Created"})
				for i, t := range tasks {
					pos := ""
					if queueOnly {
						pos = strconv.Itoa(i)
					}
					tw.AppendRow(table.Row{pos, t.ID, t.System, t.AppID, t.Status, t.Priority, t.Retries, t.Created})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.AppID, "app-id", 0, "proposal id filter")
	cmd.Flags().StringVar(&f.System, "system", "", "system filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.TaskDetails(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func taskPositionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position <id>",
		Short: "Show the queue position of a task (-1 when not queued)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				pos, err := a.Engine.Position(ctx, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": t.ID, "status": t.Status, "position": pos})
				}
				fmt.Println(pos)
				return nil
			})
		},
	}
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRunNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-next",
		Short: "Claim and run the head of the queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, ok, err := a.Engine.RunNext(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("queue is empty")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func layerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "layer",
		Short: "Manage GIS layers",
	}
	l.AddCommand(layerLoadCmd())
	l.AddCommand(layerListCmd())
	l.AddCommand(layerCheckCmd())
	l.AddCommand(layerVersionsCmd())
	l.AddCommand(layerActivateCmd())
	return l
}

func layerLoadCmd() *cobra.Command {
	var name, url, file string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a layer from a URL or a GeoJSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" && file == "" {
				return fmt.Errorf("--url or --file required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Layers.Load(ctx, layers.LoadOptions{
					Name:    name,
					URL:     url,
					Source:  layers.Source{Path: file},
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("layer %s %s (version %d, %d bytes)\n", res.Layer.Name, res.Status, res.Layer.Version, res.Layer.SizeBytes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "layer name")
	cmd.Flags().StringVar(&url, "url", "", "GeoJSON URL (stored for refetching)")
	cmd.Flags().StringVar(&file, "file", "", "GeoJSON file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func layerListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored layers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Layers.List(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Version", "Active", "CRS", "Size", "Modified", "URL"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.Name, l.Version, l.Active, l.CRS, l.SizeBytes, l.ModifiedAt, l.URL})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active layers")
	return cmd
}

func layerCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <name>",
		Short: "Check that a stored layer parses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Layers.Check(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if res.Error != "" {
					return fmt.Errorf("layer %s is not usable: %s", args[0], res.Error)
				}
				return nil
			})
		},
	}
	return cmd
}

func layerVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions <name>",
		Short: "List the content versions of a layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Layers.Versions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Content hash", "Created"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Version, v.ContentHash, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func layerActivateCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "activate <name>",
		Short: "Activate a stored layer (--off to deactivate)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Layers.SetActive(ctx, args[0], !off, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "deactivate instead")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect request logs and events",
	}
	l.AddCommand(logListCmd())
	l.AddCommand(logShowCmd())
	l.AddCommand(logLatestCmd())
	l.AddCommand(logEventsCmd())
	return l
}

func logListCmd() *cobra.Command {
	var f repo.RequestLogFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the latest request logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListRequestLogs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "System", "App", "When", "Digest"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.RequestType, l.System, l.AppID, l.When, l.Digest})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "records", 10, "number of logs")
	cmd.Flags().Int64Var(&f.AppID, "app-id", 0, "proposal id filter")
	cmd.Flags().StringVar(&f.RequestType, "type", "", "request type filter (FULL, PARTIAL, SINGLE)")
	cmd.Flags().StringVar(&f.System, "system", "", "system filter")
	return cmd
}

func logShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request log and the layers it needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid log id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				details, err := a.Engine.RequestDetails(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"log":            logView(details.Log),
					"layers":         details.Layers,
					"missing_layers": details.MissingLayers,
				})
			})
		},
	}
	return cmd
}

func logLatestCmd() *cobra.Command {
	var requestType, system string
	var when bool
	cmd := &cobra.Command{
		Use:   "latest <app_id>",
		Short: "Show the latest request log of a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid app id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				l, err := a.Engine.LatestLog(ctx, system, appID, requestType, when)
				if err != nil {
					return err
				}
				return printJSONOrTable(logView(l))
			})
		},
	}
	cmd.Flags().StringVar(&requestType, "type", "FULL", "request type (FULL, PARTIAL, SINGLE)")
	cmd.Flags().StringVar(&system, "system", "", "system (defaults to query.system)")
	cmd.Flags().BoolVar(&when, "when", false, "timestamp only")
	return cmd
}

func logEventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// logView renders stored payloads as JSON documents.
func logView(l domain.RequestLog) map[string]any {
	out := map[string]any{
		"id":           l.ID,
		"request_type": l.RequestType,
		"system":       l.System,
		"app_id":       l.AppID,
		"when":         l.When,
	}
	if l.Digest != "" {
		out["digest"] = l.Digest
	}
	if l.DataJSON != "" {
		out["data"] = json.RawMessage(l.DataJSON)
	}
	if l.ResponseJSON != "" {
		out["response"] = json.RawMessage(l.ResponseJSON)
	}
	return out
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var opts engine.APIKeyOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CreatedBy = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "key": secret})
				}
				fmt.Printf("API key %s for %s (%s):\n%s\n", key.ID, key.ActorID, key.Role, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ActorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&opts.Role, "role", "requester", "role granted to the key")
	cmd.Flags().StringVar(&opts.Name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}
