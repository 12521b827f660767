package admin_tool

import (
	"github.com/spf13/cobra"
	"go.od2.network/nqueue/cmd/providers"
	"go.od2.network/nqueue/pkg/appctx"
	"go.od2.network/nqueue/pkg/jobs"
	"go.od2.network/nqueue/pkg/queue"
)

var jobsCmd = cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs of a stopped server's store",
	Long: "Mounts the queues of the topology from the configured store.\n" +
		"Badger stores can only be opened while the server is stopped.",
}

func init() {
	Cmd.AddCommand(&jobsCmd)
}

var jobsDumpCmd = cobra.Command{
	Use:   "dump <queue>",
	Short: "Print jobs as JSON",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobsDump),
}

func init() {
	flags := jobsDumpCmd.Flags()
	flags.StringSlice("status", nil, "Only jobs in these states")
	flags.String("group", "", "Only jobs of this group")
	flags.String("affinity", "", "Only jobs with this affinity")
	flags.Uint32("start", 0, "Lowest job ID")
	flags.Int("count", 100, "Max number of jobs, 0 for all")
	jobsCmd.AddCommand(&jobsDumpCmd)
}

func runJobsDump(cmd *cobra.Command, args []string, coll *queue.Collection) {
	q, err := coll.Get(args[0])
	if err != nil {
		exitErr("Invalid queue", err)
	}
	flags := cmd.Flags()
	filter := queue.DumpFilter{}
	filter.Group, _ = flags.GetString("group")
	filter.Affinity, _ = flags.GetString("affinity")
	filter.Start, _ = flags.GetUint32("start")
	filter.Count, _ = flags.GetInt("count")
	statuses, _ := flags.GetStringSlice("status")
	for _, name := range statuses {
		st, err := jobs.ParseStatus(name)
		if err != nil {
			exitErr("Invalid status", err)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	list, err := q.DumpJobs(appctx.Context(), filter)
	if err != nil {
		exitErr("Failed to dump jobs", err)
	}
	printJSON(list)
}

var jobsStatCmd = cobra.Command{
	Use:   "stat <queue>",
	Short: "Print job counts per status",
	Args:  cobra.ExactArgs(1),
	Run:   providers.NewCmd(runJobsStat),
}

func init() {
	flags := jobsStatCmd.Flags()
	flags.String("group", "", "Only jobs of this group")
	flags.String("affinity", "", "Only jobs with this affinity")
	jobsCmd.AddCommand(&jobsStatCmd)
}

func runJobsStat(cmd *cobra.Command, args []string, coll *queue.Collection) {
	q, err := coll.Get(args[0])
	if err != nil {
		exitErr("Invalid queue", err)
	}
	flags := cmd.Flags()
	group, _ := flags.GetString("group")
	affinity, _ := flags.GetString("affinity")
	stat, err := q.JobsStat(group, affinity)
	if err != nil {
		exitErr("Failed to get stats", err)
	}
	printJSON(stat)
}
