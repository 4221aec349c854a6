package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/provtrail/provtrail/internal/lineage"
	"github.com/provtrail/provtrail/internal/report"
)

func newRecordCmd() *cobra.Command {
	var in lineage.RecordInput
	var params []string
	var inputRecords, outputRecords, filtered, durationMS int64

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one lineage edge from a source to a destination",
		Example: `  provtrail record --source-type file --source /raw/claims.csv \
    --transformation dedupe --dest-type database --dest staging.claims \
    --input 1200 --output 1180 --filtered 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseKV(params)
			if err != nil {
				return err
			}
			if len(p) > 0 {
				in.Parameters = p
			}
			flags := cmd.Flags()
			if flags.Changed("input") {
				in.InputRecords = lineage.Count(inputRecords)
			}
			if flags.Changed("output") {
				in.OutputRecords = lineage.Count(outputRecords)
			}
			if flags.Changed("filtered") {
				in.RecordsFiltered = lineage.Count(filtered)
			}
			if flags.Changed("duration-ms") {
				in.DurationMS = lineage.Count(durationMS)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Server.LogLevel, os.Stderr)
			e, err := openEnv(cmd.Context(), cfg, logger, envOptions{lineage: true, notify: true, tracing: true})
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			r, err := e.graph.Record(cmd.Context(), in)
			if err != nil {
				return err
			}
			return report.WriteJSON(cmd.OutOrStdout(), r)
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.RunID, "run-id", "", "pipeline run id")
	f.StringVar(&in.SourceType, "source-type", lineage.TypeFile, "source node type")
	f.StringVar(&in.SourceLocation, "source", "", "source location")
	f.StringVar(&in.SourceHash, "source-hash", "", "hex digest of the source data")
	f.StringVar(&in.Transformation, "transformation", "", "transformation name")
	f.StringVar(&in.TransformationVersion, "transformation-version", "", "transformation version (default 1.0.0)")
	f.StringArrayVar(&params, "param", nil, "transformation parameter key=value (repeatable)")
	f.StringVar(&in.DestinationType, "dest-type", lineage.TypeFile, "destination node type")
	f.StringVar(&in.DestinationLocation, "dest", "", "destination location")
	f.StringVar(&in.DestinationHash, "dest-hash", "", "hex digest of the destination data")
	f.Int64Var(&inputRecords, "input", 0, "records read")
	f.Int64Var(&outputRecords, "output", 0, "records written")
	f.Int64Var(&filtered, "filtered", 0, "records dropped")
	f.Int64Var(&durationMS, "duration-ms", 0, "duration in milliseconds")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
	_ = cmd.MarkFlagRequired("transformation")
	return cmd
}
