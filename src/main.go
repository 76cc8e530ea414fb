package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kestreldb/src/directors"
	"kestreldb/src/engine"
	"kestreldb/src/models"
	"kestreldb/src/settings"
)

var (
	logger *zap.SugaredLogger
	store  *directors.Store
)

// buildLogger configures zap from the settings: development output when
// debugging, production output otherwise, and a log file when LogDir is set.
func buildLogger(args *settings.Arguments) (*zap.Logger, error) {
	var config zap.Config
	if args.Debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		if !args.Verbose {
			config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		}
	}

	config.OutputPaths = nil
	if args.PrintToScreen || args.LogDir == "" {
		config.OutputPaths = append(config.OutputPaths, "stderr")
	}
	if args.LogDir != "" {
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(args.LogDir, fmt.Sprintf("%s_kestrel.log", timestamp))
		config.OutputPaths = append(config.OutputPaths, logFile)
	}

	return config.Build()
}

// openStore creates the store over the data directory. With a nil schema
// every database keeps the schema stored in its file.
func openStore(schema *engine.SchemaRegistry) (*directors.Store, error) {
	databases, err := directors.NewDatabaseService(settings.GetSettings(), schema, logger)
	if err != nil {
		return nil, err
	}
	store = directors.NewStore(databases, logger)
	return store, nil
}

// openDatabase opens the named database with its stored schema and returns
// its document operations.
func openDatabase(name string) (*directors.BundleService, error) {
	s, err := openStore(nil)
	if err != nil {
		return nil, err
	}
	stored, err := s.Databases().StoredDatabases()
	if err != nil {
		return nil, err
	}
	found := false
	for _, candidate := range stored {
		found = found || strings.EqualFold(candidate, name)
	}
	if !found {
		return nil, fmt.Errorf("database %s does not exist, create it with 'kestrel init %s --schema <file>'", name, name)
	}
	if err := s.OpenDatabase(name); err != nil {
		return nil, err
	}
	return s.On(name)
}

// printDocuments writes one JSON object per document to stdout.
func printDocuments(docs []*models.Document) error {
	encoder := json.NewEncoder(os.Stdout)
	for _, doc := range docs {
		record := make(map[string]interface{}, len(doc.Fields)+1)
		for name, value := range doc.Fields {
			if ref, ok := value.(models.Reference); ok {
				value = ref.String()
			}
			record[name] = value
		}
		record["_id"] = doc.DocumentID
		if err := encoder.Encode(record); err != nil {
			return err
		}
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "Operate KestrelDB database files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := settings.GetSettings().Validate(); err != nil {
			return err
		}
		zapLogger, err := buildLogger(settings.GetSettings())
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		zap.ReplaceGlobals(zapLogger)
		logger = zapLogger.Sugar()
		return nil
	},
}

// shutdown closes the databases opened by the command and flushes the log.
func shutdown() {
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Errorw("Failed to close databases", "error", err)
		}
	}
	if logger != nil {
		logger.Sync()
	}
}

var initCmd = &cobra.Command{
	Use:   "init <database>",
	Short: "Create a database, or apply a compatible schema change to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schemaFile, _ := cmd.Flags().GetString("schema")
		if schemaFile == "" {
			return fmt.Errorf("a schema file is required, use --schema")
		}
		text, err := os.ReadFile(schemaFile)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", schemaFile, err)
		}
		bundles, err := engine.ParseSchema(string(text), logger)
		if err != nil {
			return err
		}
		schema, err := engine.NewSchema(bundles...)
		if err != nil {
			return err
		}

		s, err := openStore(schema)
		if err != nil {
			return err
		}
		if err := s.OpenDatabase(args[0]); err != nil {
			return err
		}
		current, err := s.Current()
		if err != nil {
			return err
		}
		meta := current.Database().Meta()
		fmt.Printf("Database %s ready at %s (schema version %d, %d bundles)\n",
			meta.Name, meta.FilePath, meta.SchemaVersion, len(bundles))
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <database> <bundle> <document>...",
	Short: `Add documents written as {field=value},{field="text"}`,
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := openDatabase(args[0])
		if err != nil {
			return err
		}
		bundle, err := service.Database().Schema().Lookup(args[1])
		if err != nil {
			return err
		}

		docs := make([]*models.Document, 0, len(args)-2)
		for _, literal := range args[2:] {
			values, err := engine.ParseDocumentValues(literal)
			if err != nil {
				return fmt.Errorf("document %s: %w", literal, err)
			}
			doc, err := engine.BuildDocument(bundle, values)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}

		ids, err := service.AddMany(docs, nil)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <database> <bundle>",
	Short: "Print the documents of a bundle matching a where clause",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetString("where")
		sortKey, _ := cmd.Flags().GetString("sort")
		descending, _ := cmd.Flags().GetBool("desc")
		limit, _ := cmd.Flags().GetInt("limit")

		service, err := openDatabase(args[0])
		if err != nil {
			return err
		}
		p, err := engine.ParseWhereClause(where)
		if err != nil {
			return err
		}

		var docs []*models.Document
		if sortKey != "" {
			docs, err = service.ObjectsSorted(args[1], p, sortKey, !descending)
		} else {
			docs, err = service.ObjectsWhere(args[1], p)
		}
		if err != nil {
			return err
		}
		if limit > 0 && len(docs) > limit {
			docs = docs[:limit]
		}
		return printDocuments(docs)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <database> <bundle>",
	Short: "Delete the documents of a bundle matching a where clause",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		where, _ := cmd.Flags().GetString("where")
		all, _ := cmd.Flags().GetBool("all")
		if where == "" && !all {
			return fmt.Errorf("use --where to select documents, or --all to delete every document")
		}

		service, err := openDatabase(args[0])
		if err != nil {
			return err
		}

		var removed int
		if where == "" {
			removed, err = service.DeleteAll(args[1], nil)
		} else {
			p, perr := engine.ParseWhereClause(where)
			if perr != nil {
				return perr
			}
			removed, err = service.DeleteWhere(args[1], p, nil)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d documents\n", removed)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <database> <command>",
	Short: `Run a text command such as SELECT DOCUMENTS FROM "Person" WHERE age > 30`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := openDatabase(args[0]); err != nil {
			return err
		}
		response, err := directors.CommandDirector(store, args[1], logger)
		if err != nil {
			return err
		}
		if docs, ok := response.Result.([]*models.Document); ok {
			return printDocuments(docs)
		}
		out, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <database>",
	Short: "Rewrite the database file as a single snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := openDatabase(args[0])
		if err != nil {
			return err
		}
		before := service.Database().Stats().FileSize
		if err := service.Database().Compact(context.Background()); err != nil {
			return err
		}
		fmt.Printf("Compacted %s: %d -> %d bytes\n", args[0], before, service.Database().Stats().FileSize)
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <database>",
	Short: "Show the schema and document counts of a database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		service, err := openDatabase(args[0])
		if err != nil {
			return err
		}
		db := service.Database()
		stats := db.Stats()

		fmt.Printf("Database:       %s\n", stats.Name)
		fmt.Printf("ID:             %s\n", stats.DatabaseID)
		fmt.Printf("File:           %s (%d bytes)\n", stats.FilePath, stats.FileSize)
		fmt.Printf("Schema version: %d\n", stats.SchemaVersion)
		fmt.Printf("Version:        %d\n", stats.Version)

		names := make([]string, 0, len(stats.Documents))
		for name := range stats.Documents {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bundle, err := db.Schema().Lookup(name)
			if err != nil {
				return err
			}
			fmt.Printf("\nBundle %s: %d documents\n", name, stats.Documents[name])
			for _, field := range bundle.Fields {
				flags := ""
				if field.IsPrimaryKey {
					flags += " primary"
				}
				if field.IsIndexed {
					flags += " indexed"
				}
				if field.IsRequired {
					flags += " required"
				}
				if field.Target != "" {
					flags += " target=" + field.Target
				}
				fmt.Printf("  %-20s %-14s%s\n", field.Name, field.Type, flags)
			}
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the databases in the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(nil)
		if err != nil {
			return err
		}
		names, err := s.Databases().StoredDatabases()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <database>",
	Short: "Delete a database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(nil)
		if err != nil {
			return err
		}
		if err := s.DeleteDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted database %s\n", args[0])
		return nil
	},
}

var dropAllCmd = &cobra.Command{
	Use:   "drop-all",
	Short: "Delete every database file in the data directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(nil)
		if err != nil {
			return err
		}
		if err := s.DeleteAllDatabases(); err != nil {
			return err
		}
		fmt.Println("Deleted all databases")
		return nil
	},
}

func main() {
	args := settings.GetSettings()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&args.DataDir, "datadir", args.DataDir, "Directory holding the database files")
	flags.StringVar(&args.LogDir, "logdir", "", "Directory for log files (default: stderr only)")
	flags.BoolVar(&args.PrintToScreen, "print", args.PrintToScreen, "Print log messages to the screen")
	flags.BoolVar(&args.Debug, "debug", false, "Enable development logging")
	flags.BoolVar(&args.Verbose, "verbose", false, "Log informational messages")
	flags.Int64Var(&args.MaxJournalFileSize, "maxjournalfilesize", args.MaxJournalFileSize, "Journal size in bytes after which a database file is compacted")
	flags.StringVar(&args.SyncPolicy, "sync", args.SyncPolicy, "When commits are synced to disk: always, interval or never")
	flags.IntVar(&args.SyncInterval, "syncinterval", args.SyncInterval, "Commits between syncs with --sync=interval")
	flags.BoolVar(&args.Compress, "compress", args.Compress, "Snappy-compress journal frames")
	flags.BoolVar(&args.CompactOnClose, "compactonclose", args.CompactOnClose, "Compact database files when they are closed")

	initCmd.Flags().String("schema", "", "File with the CREATE BUNDLE statements of the database")
	queryCmd.Flags().String("where", "", `Where clause, e.g. 'age >= 18 AND name BEGINSWITH[c] "a"'`)
	queryCmd.Flags().String("sort", "", "Field to sort by")
	queryCmd.Flags().Bool("desc", false, "Sort in descending order")
	queryCmd.Flags().Int("limit", 0, "Maximum number of documents to print")
	deleteCmd.Flags().String("where", "", "Where clause selecting the documents to delete")
	deleteCmd.Flags().Bool("all", false, "Delete every document of the bundle")

	rootCmd.AddCommand(initCmd, addCmd, queryCmd, deleteCmd, execCmd, compactCmd, statCmd, listCmd, dropCmd, dropAllCmd)

	err := rootCmd.Execute()
	shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
