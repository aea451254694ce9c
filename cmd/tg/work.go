package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/repo"
)

// deleteFlags is shared by every remove command: soft by default, --hard for subtree delete.
type deleteFlags struct {
	stamp string
	hard  bool
}

func (d *deleteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.stamp, "stamp", "", "current concurrency stamp (required for soft removal)")
	cmd.Flags().BoolVar(&d.hard, "hard", false, "delete the row and everything below it")
}

func listFlags(cmd *cobra.Command, f *repo.ListFilter, partition *int) {
	cmd.Flags().IntVar(partition, "partition", -1, "partition filter; -1 for any")
	cmd.Flags().BoolVar(&f.IncludeRemoved, "include-removed", false, "include soft-deleted rows")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
}

func applyPartition(f *repo.ListFilter, partition int) {
	if partition >= 0 {
		f.Partition = &partition
	}
}

func printCounts(c repo.DeleteCounts) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("deleted tasks=%d units=%d targets=%d assignments=%d\n", c.Tasks, c.Units, c.Targets, c.Assignment)
	return nil
}

func printProgress(p domain.Progress) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := newTable("State", "Count")
	for state, n := range p.ByState {
		tw.AppendRow(table.Row{state, n})
	}
	tw.AppendFooter(table.Row{"total", p.Total})
	tw.Render()
	return nil
}

func printAgents(items []domain.Agent) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Name", "Type", "Code", "Partition", "Removed")
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.AgentName, a.AgentType, a.AgentCode, a.Partition, a.Removed()})
	}
	tw.Render()
	return nil
}

// --- agents ---

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Agent registry"}
	cmd.AddCommand(agentRegisterCmd(), agentListCmd(), agentGetCmd(), agentUpdateCmd(), agentRemoveCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var opts engine.AgentCreateOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actor()
				a, err := e.RegisterAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.AgentType, "type", "", "agent type")
	cmd.Flags().StringVar(&opts.AgentCode, "code", "", "unique agent code")
	cmd.Flags().IntVar(&opts.Partition, "partition", 0, "partition key")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func agentListCmd() *cobra.Command {
	var f repo.AgentFilters
	var partition int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applyPartition(&f.ListFilter, partition)
				items, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				return printAgents(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentType, "type", "", "agent type filter")
	listFlags(cmd, &f.ListFilter, &partition)
	return cmd
}

func agentGetCmd() *cobra.Command {
	var code string
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show an agent by id or --code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if code != "" {
					a, err := e.AgentByCode(ctx, code)
					if err != nil {
						return err
					}
					return printRecord(a)
				}
				if len(args) == 0 {
					return fmt.Errorf("%w: agent id or --code required", domain.ErrInvalidArgument)
				}
				id, err := parseUUID("agent id", args[0])
				if err != nil {
					return err
				}
				a, err := e.GetAgent(ctx, id, includeRemoved)
				if err != nil {
					return err
				}
				return printRecord(a)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "look up by agent code")
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "return soft-deleted agents too")
	return cmd
}

func agentUpdateCmd() *cobra.Command {
	var stamp, name, agentType, code string
	var partition int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("agent id", args[0])
			if err != nil {
				return err
			}
			opts := engine.AgentUpdateOptions{
				ID:        id,
				Stamp:     stamp,
				AgentName: optionalString(cmd, "name", name),
				AgentType: optionalString(cmd, "type", agentType),
				AgentCode: optionalString(cmd, "code", code),
				ActorID:   actor(),
			}
			if cmd.Flags().Changed("partition") {
				opts.Partition = &partition
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(a)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&agentType, "type", "", "agent type")
	cmd.Flags().StringVar(&code, "code", "", "agent code")
	cmd.Flags().IntVar(&partition, "partition", 0, "partition key (must match the stored value)")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func agentRemoveCmd() *cobra.Command {
	var d deleteFlags
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Soft-remove an agent, or delete it with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("agent id", args[0])
			if err != nil {
				return err
			}
			opts := engine.DeleteOptions{ID: id, Stamp: d.stamp, ActorID: actor()}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.hard {
					return e.DeleteAgent(ctx, opts)
				}
				return e.RemoveAgent(ctx, opts)
			})
		},
	}
	d.bind(cmd)
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}
	cmd.AddCommand(
		taskCreateCmd(), taskListCmd(), taskGetCmd(), taskUpdateCmd(), taskStateCmd(),
		taskRemoveCmd(), taskTreeCmd(), taskProgressCmd(), taskRollupCmd(), taskAssignCmd(),
		taskSummaryCmd(),
	)
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var parent, start string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if parent != "" {
				id, err := parseUUID("parent", parent)
				if err != nil {
					return err
				}
				opts.ParentID = &id
			}
			if start != "" {
				ts, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("%w: --start must be RFC3339", domain.ErrInvalidArgument)
				}
				opts.StartTime = &ts
			}
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskName, "name", "", "task name, unique among live tasks")
	cmd.Flags().StringVar(&opts.TaskCode, "code", "", "task code")
	cmd.Flags().StringVar(&opts.DesignCode, "design-code", "", "design code")
	cmd.Flags().StringVar(&opts.TaskShip, "ship", "", "origin: system, user or imported")
	cmd.Flags().StringVar(&opts.TaskMode, "mode", "", "immediate, scheduled or manual")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Partition, "partition", 0, "partition key")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVar(&start, "start", "", "planned start (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var partition int
	var partitions []int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					tasks []domain.Task
					err   error
				)
				if len(partitions) > 0 {
					tasks, err = e.ListTasksInPartitions(ctx, partitions, f)
				} else {
					applyPartition(&f.ListFilter, partition)
					tasks, err = e.ListTasks(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Name", "State", "Mode", "Parent", "Partition")
				for _, t := range tasks {
					parent := ""
					if t.ParentID != nil {
						parent = t.ParentID.String()
					}
					tw.AppendRow(table.Row{t.ID, t.TaskName, t.TaskState, t.TaskMode, parent, t.Partition})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "mode filter")
	cmd.Flags().StringVar(&f.Ship, "ship", "", "ship filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().BoolVar(&f.RootsOnly, "roots", false, "only tasks without a parent")
	cmd.Flags().IntSliceVar(&partitions, "partitions", nil, "scan these partitions concurrently")
	listFlags(cmd, &f.ListFilter, &partition)
	return cmd
}

func taskGetCmd() *cobra.Command {
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, id, includeRemoved)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "return soft-deleted tasks too")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var stamp, name, code, design, ship, mode, desc, parent, start string
	var clearParent bool
	var partition int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			opts := engine.TaskUpdateOptions{
				ID:          id,
				Stamp:       stamp,
				TaskName:    optionalString(cmd, "name", name),
				TaskCode:    optionalString(cmd, "code", code),
				DesignCode:  optionalString(cmd, "design-code", design),
				TaskShip:    optionalString(cmd, "ship", ship),
				TaskMode:    optionalString(cmd, "mode", mode),
				Description: optionalString(cmd, "description", desc),
				ClearParent: clearParent,
				ActorID:     actor(),
			}
			if parent != "" {
				pid, err := parseUUID("parent", parent)
				if err != nil {
					return err
				}
				opts.ParentID = &pid
			}
			if start != "" {
				ts, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("%w: --start must be RFC3339", domain.ErrInvalidArgument)
				}
				opts.StartTime = &ts
			}
			if cmd.Flags().Changed("partition") {
				opts.Partition = &partition
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&code, "code", "", "task code")
	cmd.Flags().StringVar(&design, "design-code", "", "design code")
	cmd.Flags().StringVar(&ship, "ship", "", "system, user or imported")
	cmd.Flags().StringVar(&mode, "mode", "", "immediate, scheduled or manual")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&parent, "parent", "", "move under this parent")
	cmd.Flags().BoolVar(&clearParent, "clear-parent", false, "make the task a root")
	cmd.Flags().StringVar(&start, "start", "", "planned start (RFC3339)")
	cmd.Flags().IntVar(&partition, "partition", 0, "partition key (must match the stored value)")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func taskStateCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "state <id> <state>",
		Short: "Move a task through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskState(ctx, engine.StateOptions{ID: id, Stamp: stamp, State: args[1], ActorID: actor()})
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func taskRemoveCmd() *cobra.Command {
	var d deleteFlags
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Soft-remove a task, or delete its subtree with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			opts := engine.DeleteOptions{ID: id, Stamp: d.stamp, ActorID: actor()}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c repo.DeleteCounts
				if d.hard {
					c, err = e.DeleteTask(ctx, opts)
				} else {
					c, err = e.RemoveTask(ctx, opts)
				}
				if err != nil {
					return err
				}
				return printCounts(c)
			})
		},
	}
	d.bind(cmd)
	return cmd
}

func taskTreeCmd() *cobra.Command {
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the task hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, repo.TaskFilters{ListFilter: repo.ListFilter{IncludeRemoved: includeRemoved}})
				if err != nil {
					return err
				}
				nodes := map[uuid.UUID][]domain.Task{}
				var roots []domain.Task
				// listing is newest first; walk it backwards for creation order
				for i := len(tasks) - 1; i >= 0; i-- {
					t := tasks[i]
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type node struct {
						Task     domain.Task `json:"task"`
						Children []node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) node
					build = func(t domain.Task) node {
						n := node{Task: t}
						for _, c := range nodes[t.ID] {
							n.Children = append(n.Children, build(c))
						}
						return n
					}
					var out []node
					for _, r := range roots {
						out = append(out, build(r))
					}
					return printJSON(out)
				}
				for i, r := range roots {
					printTaskTree(r, nodes, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "include soft-deleted tasks")
	return cmd
}

func printTaskTree(t domain.Task, children map[uuid.UUID][]domain.Task, prefix string, last bool) {
	connector := "├── "
	next := prefix + "│   "
	if last {
		connector = "└── "
		next = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, t.TaskName, t.TaskState)
	kids := children[t.ID]
	for i, c := range kids {
		printTaskTree(c, children, next, i == len(kids)-1)
	}
}

func taskProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Count a task's units by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.TaskProgress(ctx, id)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
}

func taskSummaryCmd() *cobra.Command {
	var partition int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count live tasks by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var pp *int
				if partition >= 0 {
					pp = &partition
				}
				p, err := e.TaskSummary(ctx, pp)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
	cmd.Flags().IntVar(&partition, "partition", -1, "partition filter; -1 for any")
	return cmd
}

func taskRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup <id>",
		Short: "Derive a task's state from its units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, moved, err := e.RollupTask(ctx, id, actor())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("state %s (changed: %s)\n", t.TaskState, strconv.FormatBool(moved))
					return nil
				}
				return printJSON(map[string]any{"task": t, "changed": moved})
			})
		},
	}
}

// assignCmds builds add/remove/list for one join table.
func assignCmds(
	owner string,
	list func(context.Context, engine.Engine, uuid.UUID) ([]domain.Agent, error),
	assign func(context.Context, engine.Engine, engine.AssignOptions) (bool, error),
	unassign func(context.Context, engine.Engine, engine.AssignOptions) error,
) *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Agents assigned to a " + owner}
	pair := func(args []string) (engine.AssignOptions, error) {
		ownerID, err := parseUUID(owner+" id", args[0])
		if err != nil {
			return engine.AssignOptions{}, err
		}
		agentID, err := parseUUID("agent id", args[1])
		if err != nil {
			return engine.AssignOptions{}, err
		}
		return engine.AssignOptions{OwnerID: ownerID, AgentID: agentID, ActorID: actor()}, nil
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <" + owner + "-id> <agent-id>",
		Short: "Assign an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := assign(ctx, e, opts)
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("already assigned")
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <" + owner + "-id> <agent-id>",
		Short: "Remove an assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := pair(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return unassign(ctx, e, opts)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <" + owner + "-id>",
		Short: "List assigned agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID(owner+" id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := list(ctx, e, id)
				if err != nil {
					return err
				}
				return printAgents(items)
			})
		},
	})
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return assignCmds("task",
		func(ctx context.Context, e engine.Engine, id uuid.UUID) ([]domain.Agent, error) {
			return e.TaskAgents(ctx, id, false)
		},
		func(ctx context.Context, e engine.Engine, o engine.AssignOptions) (bool, error) {
			return e.AssignTaskAgent(ctx, o)
		},
		func(ctx context.Context, e engine.Engine, o engine.AssignOptions) error {
			return e.UnassignTaskAgent(ctx, o)
		},
	)
}

// --- units ---

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "unit", Short: "Manage task units"}
	cmd.AddCommand(
		unitCreateCmd(), unitListCmd(), unitGetCmd(), unitUpdateCmd(), unitStateCmd(),
		unitRemoveCmd(), unitProgressCmd(), unitRollupCmd(), unitAssignCmd(), unitEligibleCmd(),
	)
	return cmd
}

func unitCreateCmd() *cobra.Command {
	var opts engine.UnitCreateOptions
	var task string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a unit to a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("task id", task)
			if err != nil {
				return err
			}
			opts.TaskID = id
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "owning task id")
	cmd.Flags().StringVar(&opts.UnitName, "name", "", "unit name, unique within the task")
	cmd.Flags().StringVar(&opts.UnitCode, "code", "", "unit code")
	cmd.Flags().StringVar(&opts.DesignCode, "design-code", "", "design code")
	cmd.Flags().StringVar(&opts.TaskUnitMode, "mode", "", "sequential or parallel")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Partition, "partition", 0, "partition key")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func unitListCmd() *cobra.Command {
	var f repo.UnitFilters
	var partition int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applyPartition(&f.ListFilter, partition)
				items, err := e.ListUnits(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Task", "Name", "State", "Mode")
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.TaskID, u.UnitName, u.TaskUnitState, u.TaskUnitMode})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "owning task id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "mode filter")
	listFlags(cmd, &f.ListFilter, &partition)
	return cmd
}

func unitGetCmd() *cobra.Command {
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUnit(ctx, id, includeRemoved)
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "return soft-deleted units too")
	return cmd
}

func unitUpdateCmd() *cobra.Command {
	var stamp, name, code, design, mode, desc string
	var partition int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update unit fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			opts := engine.UnitUpdateOptions{
				ID:           id,
				Stamp:        stamp,
				UnitName:     optionalString(cmd, "name", name),
				UnitCode:     optionalString(cmd, "code", code),
				DesignCode:   optionalString(cmd, "design-code", design),
				TaskUnitMode: optionalString(cmd, "mode", mode),
				Description:  optionalString(cmd, "description", desc),
				ActorID:      actor(),
			}
			if cmd.Flags().Changed("partition") {
				opts.Partition = &partition
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.UpdateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	cmd.Flags().StringVar(&name, "name", "", "unit name")
	cmd.Flags().StringVar(&code, "code", "", "unit code")
	cmd.Flags().StringVar(&design, "design-code", "", "design code")
	cmd.Flags().StringVar(&mode, "mode", "", "sequential or parallel")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&partition, "partition", 0, "partition key (must match the stored value)")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func unitStateCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "state <id> <state>",
		Short: "Move a unit through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetUnitState(ctx, engine.StateOptions{ID: id, Stamp: stamp, State: args[1], ActorID: actor()})
				if err != nil {
					return err
				}
				return printRecord(u)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func unitRemoveCmd() *cobra.Command {
	var d deleteFlags
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Soft-remove a unit, or delete it and its targets with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			opts := engine.DeleteOptions{ID: id, Stamp: d.stamp, ActorID: actor()}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var c repo.DeleteCounts
				if d.hard {
					c, err = e.DeleteUnit(ctx, opts)
				} else {
					c, err = e.RemoveUnit(ctx, opts)
				}
				if err != nil {
					return err
				}
				return printCounts(c)
			})
		},
	}
	d.bind(cmd)
	return cmd
}

func unitProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Count a unit's targets by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UnitProgress(ctx, id)
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
}

func unitRollupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollup <id>",
		Short: "Derive a unit's state from its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, moved, err := e.RollupUnit(ctx, id, actor())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("state %s (changed: %s)\n", u.TaskUnitState, strconv.FormatBool(moved))
					return nil
				}
				return printJSON(map[string]any{"unit": u, "changed": moved})
			})
		},
	}
}

func unitAssignCmd() *cobra.Command {
	return assignCmds("unit",
		func(ctx context.Context, e engine.Engine, id uuid.UUID) ([]domain.Agent, error) {
			return e.UnitAgents(ctx, id, false)
		},
		func(ctx context.Context, e engine.Engine, o engine.AssignOptions) (bool, error) {
			return e.AssignUnitAgent(ctx, o)
		},
		func(ctx context.Context, e engine.Engine, o engine.AssignOptions) error {
			return e.UnassignUnitAgent(ctx, o)
		},
	)
}

func unitEligibleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eligible <id>",
		Short: "Agents allowed to work a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.EligibleAgents(ctx, id)
				if err != nil {
					return err
				}
				return printAgents(items)
			})
		},
	}
}

// --- targets ---

func targetCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "target", Short: "Manage task targets"}
	cmd.AddCommand(
		targetCreateCmd(), targetListCmd(), targetGetCmd(), targetUpdateCmd(),
		targetExecuteCmd(), targetResultCmd(), targetRemoveCmd(),
	)
	return cmd
}

func targetCreateCmd() *cobra.Command {
	var opts engine.TargetCreateOptions
	var unit string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Add a target to a unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("unit id", unit)
			if err != nil {
				return err
			}
			opts.UnitID = id
			opts.ActorID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTarget(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "owning unit id")
	cmd.Flags().StringVar(&opts.TargetName, "name", "", "target name")
	cmd.Flags().StringVar(&opts.TargetCode, "code", "", "target code")
	cmd.Flags().StringVar(&opts.DesignCode, "design-code", "", "design code")
	cmd.Flags().StringVar(&opts.TargetType, "type", "", "kind of external object (host, device, ...)")
	cmd.Flags().StringVar(&opts.TargetID, "ref", "", "external identifier of the object")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Partition, "partition", 0, "partition key")
	for _, f := range []string{"unit", "name", "type", "ref"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func targetListCmd() *cobra.Command {
	var f repo.TargetFilters
	var partition int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applyPartition(&f.ListFilter, partition)
				items, err := e.ListTargets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Unit", "Name", "Type", "Ref", "State", "Status")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.TaskUnitID, t.TargetName, t.TargetType, t.TargetID, t.TargetState, t.TaskStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UnitID, "unit", "", "owning unit id")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.TargetType, "type", "", "target type filter")
	listFlags(cmd, &f.ListFilter, &partition)
	return cmd
}

func targetGetCmd() *cobra.Command {
	var includeRemoved bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("target id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTarget(ctx, id, includeRemoved)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().BoolVar(&includeRemoved, "include-removed", false, "return soft-deleted targets too")
	return cmd
}

func targetUpdateCmd() *cobra.Command {
	var stamp, name, code, design, targetType, ref, desc string
	var partition int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update target fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("target id", args[0])
			if err != nil {
				return err
			}
			opts := engine.TargetUpdateOptions{
				ID:          id,
				Stamp:       stamp,
				TargetName:  optionalString(cmd, "name", name),
				TargetCode:  optionalString(cmd, "code", code),
				DesignCode:  optionalString(cmd, "design-code", design),
				TargetType:  optionalString(cmd, "type", targetType),
				TargetID:    optionalString(cmd, "ref", ref),
				Description: optionalString(cmd, "description", desc),
				ActorID:     actor(),
			}
			if cmd.Flags().Changed("partition") {
				opts.Partition = &partition
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTarget(ctx, opts)
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	cmd.Flags().StringVar(&name, "name", "", "target name")
	cmd.Flags().StringVar(&code, "code", "", "target code")
	cmd.Flags().StringVar(&design, "design-code", "", "design code")
	cmd.Flags().StringVar(&targetType, "type", "", "target type")
	cmd.Flags().StringVar(&ref, "ref", "", "external identifier")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().IntVar(&partition, "partition", 0, "partition key (must match the stored value)")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func targetExecuteCmd() *cobra.Command {
	var stamp string
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Record the first execution attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("target id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ExecuteTarget(ctx, engine.TargetAttemptOptions{ID: id, Stamp: stamp, ActorID: actor()})
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func targetResultCmd() *cobra.Command {
	var stamp, status string
	cmd := &cobra.Command{
		Use:   "result <id> <succeeded|failed|skipped>",
		Short: "Record a target result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("target id", args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTarget(ctx, engine.TargetResultOptions{
					ID:      id,
					Stamp:   stamp,
					State:   strings.TrimSpace(args[1]),
					Status:  status,
					ActorID: actor(),
				})
				if err != nil {
					return err
				}
				return printRecord(t)
			})
		},
	}
	cmd.Flags().StringVar(&stamp, "stamp", "", "current concurrency stamp")
	cmd.Flags().StringVar(&status, "status", "", "ok, error, timeout, rejected or none; defaults from the state")
	_ = cmd.MarkFlagRequired("stamp")
	return cmd
}

func targetRemoveCmd() *cobra.Command {
	var d deleteFlags
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Soft-remove a target, or delete it with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUUID("target id", args[0])
			if err != nil {
				return err
			}
			opts := engine.DeleteOptions{ID: id, Stamp: d.stamp, ActorID: actor()}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.hard {
					return e.DeleteTarget(ctx, opts)
				}
				return e.RemoveTarget(ctx, opts)
			})
		},
	}
	d.bind(cmd)
	return cmd
}
