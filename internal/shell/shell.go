// Package shell implements the evtrackctl command language over a local
// data directory.
//
// Every command is a single line: the first word names the command, the
// rest are its arguments. sql takes the remainder of the line verbatim.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/evtrack/internal/errors"
	"github.com/xtxerr/evtrack/internal/feed"
	"github.com/xtxerr/evtrack/internal/storage"
	"github.com/xtxerr/evtrack/internal/storage/config"
	"github.com/xtxerr/evtrack/internal/storage/types"
)

// ErrExit is returned by the exit command.
var ErrExit = errors.New("exit")

// ErrUsage is returned for a command called with the wrong arguments.
var ErrUsage = errors.New("usage")

const defaultMonths = 12

type command struct {
	name  string
	args  string
	help  string
	run   func(ctx context.Context, args []string, rest string) error
	alias []string
}

// Shell executes commands against a storage service.
type Shell struct {
	svc      *storage.Service
	out      io.Writer
	commands []*command
	byName   map[string]*command
}

// New creates a shell writing to out.
func New(svc *storage.Service, out io.Writer) *Shell {
	s := &Shell{svc: svc, out: out, byName: make(map[string]*command)}

	s.commands = []*command{
		{name: "last", args: "[N]", help: "fleet summary of the last N months", run: s.last},
		{name: "vehicle", args: "VIN [YYYY-MM]", help: "monthly series of a vehicle, or its summary for one month", run: s.vehicle},
		{name: "sql", args: "QUERY", help: "run SQL over the views trips, charges and summary", run: s.sql},
		{name: "partitions", help: "list partition files", run: s.partitions},
		{name: "usage", help: "disk usage of the data directory", run: s.usage},
		{name: "refresh", help: "recompute every month of the summary table", run: s.refresh},
		{name: "import", args: "FILE", help: "ingest newline-delimited feed envelopes", run: s.importFile},
		{name: "sweep", args: "[dry-run]", help: "remove orphaned temp files and old journal segments", run: s.sweep},
		{name: "stats", help: "pipeline statistics", run: s.stats},
		{name: "help", help: "list commands", run: s.help},
		{name: "exit", help: "leave the shell", run: s.exit, alias: []string{"quit"}},
	}
	for _, c := range s.commands {
		s.byName[c.name] = c
		for _, a := range c.alias {
			s.byName[a] = c
		}
	}
	return s
}

// Execute runs one command line.
func (s *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	fields := strings.Fields(line)
	c, ok := s.byName[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}

	rest := strings.TrimSpace(line[len(fields[0]):])
	return c.run(ctx, fields[1:], rest)
}

// RunScript executes one command per line of r. Errors are printed and the
// script continues; the first error is returned at the end.
func (s *Shell) RunScript(ctx context.Context, r io.Reader) error {
	var first error

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		err := s.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrExit) {
			break
		}
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			if first == nil {
				first = err
			}
		}
	}
	if err := scanner.Err(); err != nil && first == nil {
		first = err
	}
	return first
}

// Interactive runs a prompt until exit or EOF.
func (s *Shell) Interactive(ctx context.Context) {
	fmt.Fprintln(s.out, "evtrack shell. Type help for commands, exit to leave.")

	exit := false
	p := prompt.New(
		func(line string) {
			err := s.Execute(ctx, line)
			switch {
			case errors.Is(err, ErrExit):
				exit = true
			case err != nil:
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		},
		s.Complete,
		prompt.OptionPrefix("evtrack> "),
		prompt.OptionTitle("evtrackctl"),
		prompt.OptionSetExitCheckerOnInput(func(_ string, breakline bool) bool {
			return breakline && exit
		}),
	)
	p.Run()
}

// Complete suggests command names and SQL view names.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	return s.suggest(d.TextBeforeCursor())
}

func (s *Shell) suggest(before string) []prompt.Suggest {
	fields := strings.Fields(before)
	trailingSpace := strings.HasSuffix(before, " ")

	if len(fields) == 0 || (len(fields) == 1 && !trailingSpace) {
		word := ""
		if len(fields) == 1 {
			word = fields[0]
		}
		suggestions := make([]prompt.Suggest, len(s.commands))
		for i, c := range s.commands {
			suggestions[i] = prompt.Suggest{Text: c.name, Description: c.help}
		}
		return prompt.FilterHasPrefix(suggestions, word, true)
	}

	if strings.EqualFold(fields[0], "sql") {
		word := ""
		if !trailingSpace {
			word = fields[len(fields)-1]
		}
		views := []prompt.Suggest{
			{Text: "trips", Description: "trip partitions"},
			{Text: "charges", Description: "charge partitions"},
			{Text: "summary", Description: "monthly fleet summary"},
		}
		return prompt.FilterHasPrefix(views, word, true)
	}

	return []prompt.Suggest{}
}

// =============================================================================
// Commands
// =============================================================================

func (s *Shell) last(_ context.Context, args []string, _ string) error {
	n := defaultMonths
	if len(args) > 1 {
		return s.usageError("last")
	}
	if len(args) == 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed < 0 {
			return s.usageError("last")
		}
		n = parsed
	}

	rows, err := s.svc.Query().LastMonths(n)
	if err != nil {
		return err
	}

	t := s.table("Month", "Vehicles", "Trips", "Charges", "Distance", "City%", "Sport%", "Flow%",
		"Wh/km", "Range", "P50", "P90", "Max trip", "Max trip VIN")
	for _, r := range rows {
		t.Append([]string{
			r.Month.String(),
			strconv.FormatInt(r.ConnectedVehicles, 10),
			strconv.FormatInt(r.Trips, 10),
			strconv.FormatInt(r.Charges, 10),
			num(r.TotalDistance),
			num(r.CityPct),
			num(r.SportPct),
			num(r.FlowPct),
			num(r.AvgConsumption),
			num(r.AvgRange),
			num(r.P50TripDistance),
			num(r.P90TripDistance),
			num(r.MaxTripDistance),
			r.MaxTripVIN,
		})
	}
	t.Render()
	return nil
}

func (s *Shell) vehicle(ctx context.Context, args []string, _ string) error {
	switch len(args) {
	case 1:
		months, err := s.svc.Query().VehicleMonthly(ctx, args[0])
		if err != nil {
			return err
		}
		if len(months) == 0 {
			fmt.Fprintf(s.out, "no trips for %s\n", args[0])
			return nil
		}

		t := s.table("Month", "Trips", "Distance", "Energy Wh", "Regen Wh", "Wh/km", "Odometer")
		for _, m := range months {
			t.Append([]string{
				m.Month,
				strconv.FormatInt(m.Trips, 10),
				num(m.Distance),
				num(m.Energy),
				num(m.Regen),
				num(m.Consumption),
				num(m.MaxOdometer),
			})
		}
		t.Render()
		return nil

	case 2:
		month, err := types.ParseMonth(args[1])
		if err != nil {
			return err
		}
		sum, err := s.svc.Aggregator().VehicleSummary(month, args[0])
		if err != nil {
			return err
		}

		t := s.table("Field", "Value")
		for _, kv := range summaryFields(sum) {
			t.Append(kv)
		}
		t.Render()
		return nil

	default:
		return s.usageError("vehicle")
	}
}

func (s *Shell) sql(ctx context.Context, _ []string, rest string) error {
	if rest == "" {
		return s.usageError("sql")
	}

	rows, err := s.svc.Query().ExecuteSQL(ctx, rest)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "(0 rows)")
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	t := s.table(cols...)
	for _, row := range rows {
		line := make([]string, len(cols))
		for i, c := range cols {
			line[i] = cell(row[c])
		}
		t.Append(line)
	}
	t.Render()
	fmt.Fprintf(s.out, "(%d rows)\n", len(rows))
	return nil
}

func (s *Shell) partitions(_ context.Context, _ []string, _ string) error {
	infos, err := s.svc.Store().List()
	if err != nil {
		return err
	}

	t := s.table("Month", "Kind", "Records", "Size", "Path")
	for _, info := range infos {
		records := "?"
		if n, err := s.svc.Store().Count(info.Month, info.Kind); err == nil {
			records = config.FormatNumber(n)
		}
		t.Append([]string{
			info.Month.String(),
			info.Kind.String(),
			records,
			config.FormatBytes(info.Size),
			info.Path,
		})
	}
	t.Render()
	return nil
}

func (s *Shell) usage(_ context.Context, _ []string, _ string) error {
	fmt.Fprint(s.out, s.svc.Retention().FormatDiskUsage())
	return nil
}

// writable takes the data directory lock for a command that writes.
func (s *Shell) writable(cmd string) error {
	if err := s.svc.LockForWrite(); err != nil {
		return fmt.Errorf("%s refused: %w", cmd, err)
	}
	return nil
}

func (s *Shell) refresh(_ context.Context, _ []string, _ string) error {
	if err := s.writable("refresh"); err != nil {
		return err
	}
	n, err := s.svc.Aggregator().RefreshAll()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "refreshed %d months\n", n)
	return nil
}

func (s *Shell) importFile(ctx context.Context, args []string, _ string) error {
	if len(args) != 1 {
		return s.usageError("import")
	}
	if err := s.writable("import"); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	before := s.svc.Ingestion().Stats()

	src := feed.NewLineSource(f, s.svc.Ingestion())
	runErr := src.Run(ctx)

	after := s.svc.Ingestion().Stats()
	stats := src.Stats()
	fmt.Fprintf(s.out, "%d envelopes, %d malformed, %d records stored, %d packets rejected\n",
		stats.Messages, stats.Malformed,
		after.RecordsStored-before.RecordsStored,
		after.PacketsRejected-before.PacketsRejected)
	if pending := after.PendingTrips + after.PendingCharges; pending > 0 {
		fmt.Fprintf(s.out, "%d records still incomplete\n", pending)
	}
	return runErr
}

func (s *Shell) sweep(_ context.Context, args []string, _ string) error {
	dryRun := false
	switch {
	case len(args) == 0:
	case len(args) == 1 && args[0] == "dry-run":
		dryRun = true
	default:
		return s.usageError("sweep")
	}
	if !dryRun {
		if err := s.writable("sweep"); err != nil {
			return err
		}
	}

	r := s.svc.Retention()
	result := r.RunCleanup
	if dryRun {
		result = r.DryRun
	}
	res := result()

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(s.out, "%s %d temp files and %d journal segments (%s)\n",
		verb, res.TempFilesDeleted, res.SegmentsDeleted, config.FormatBytes(res.BytesFreed))
	return errors.Join(res.Errors...)
}

func (s *Shell) stats(_ context.Context, _ []string, _ string) error {
	st := s.svc.Stats()

	t := s.table("Component", "Metric", "Value")
	add := func(component, metric string, v int64) {
		t.Append([]string{component, metric, config.FormatNumber(v)})
	}
	add("ingestion", "packets received", st.Ingestion.PacketsReceived)
	add("ingestion", "packets rejected", st.Ingestion.PacketsRejected)
	add("ingestion", "records stored", st.Ingestion.RecordsStored)
	add("ingestion", "records evicted", st.Ingestion.RecordsEvicted)
	add("ingestion", "pending trips", int64(st.Ingestion.PendingTrips))
	add("ingestion", "pending charges", int64(st.Ingestion.PendingCharges))
	add("partitions", "appends", st.Partitions.Appends)
	add("partitions", "duplicates", st.Partitions.Duplicates)
	add("rollup", "refreshes", st.Rollup.Refreshes)
	add("rollup", "skipped", st.Rollup.Skipped)
	add("query", "queries", st.Query.QueriesExecuted)
	add("query", "errors", st.Query.Errors)
	t.Render()
	return nil
}

func (s *Shell) help(_ context.Context, _ []string, _ string) error {
	t := s.table("Command", "Description")
	for _, c := range s.commands {
		t.Append([]string{strings.TrimSpace(c.name + " " + c.args), c.help})
	}
	t.Render()
	return nil
}

func (s *Shell) exit(_ context.Context, _ []string, _ string) error {
	return ErrExit
}

// =============================================================================
// Output
// =============================================================================

func (s *Shell) usageError(name string) error {
	c := s.byName[name]
	return fmt.Errorf("%w: %s %s", ErrUsage, c.name, c.args)
}

func (s *Shell) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(s.out)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return t
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func cell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func summaryFields(s types.Summary) [][]string {
	return [][]string{
		{"month", s.Month.String()},
		{"trips", strconv.FormatInt(s.Trips, 10)},
		{"charges", strconv.FormatInt(s.Charges, 10)},
		{"total distance km", num(s.TotalDistance)},
		{"city %", num(s.CityPct)},
		{"sport %", num(s.SportPct)},
		{"flow %", num(s.FlowPct)},
		{"avg trip km", num(s.AvgTripDistance)},
		{"avg consumption Wh/km", num(s.AvgConsumption)},
		{"avg range km", num(s.AvgRange)},
		{"avg charged SoC", num(s.AvgChargedSoC)},
		{"avg final SoC", num(s.AvgFinalSoC)},
		{"schuko %", num(s.SchukoPct)},
		{"max trip km", num(s.MaxTripDistance)},
		{"max odometer km", num(s.MaxOdometer)},
		{"trips between charges", num(s.TripsBetweenCharges)},
	}
}
