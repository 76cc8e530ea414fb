package directors

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"kestreldb/src/engine"
	"kestreldb/src/models"
)

/*

Text commands understood by CommandDirector, run against the current
database of a Store:

	SELECT DATABASES
	SELECT DOCUMENTS FROM "Person" [WHERE <clause>] [ORDER BY <field> [ASC|DESC]]
	COUNT DOCUMENTS FROM "Person" [WHERE <clause>]
	ADD DOCUMENT TO BUNDLE "Person" WITH ({name="Ada"},{age=36})
	UPDATE DOCUMENTS IN BUNDLE "Person" ({age=37}) WHERE <clause>
	DELETE DOCUMENTS FROM [BUNDLE] "Person" [WHERE <clause>]

*/

// CommandResponse is the result of a text command.
type CommandResponse struct {
	ResultCount int
	Result      interface{}
}

// DatabaseInfo describes a stored database in SELECT DATABASES results.
type DatabaseInfo struct {
	Name string
	Open bool
}

var (
	selectDocumentsRegex = regexp.MustCompile(`(?is)^SELECT\s+DOCUMENTS\s+FROM\s+"([^"]+)"(?:\s+WHERE\s+(.+?))?(?:\s+ORDER\s+BY\s+([A-Za-z0-9_]+)(?:\s+(ASC|DESC))?)?$`)
	countDocumentsRegex  = regexp.MustCompile(`(?is)^COUNT\s+DOCUMENTS\s+FROM\s+"([^"]+)"(?:\s+WHERE\s+(.+))?$`)
	addDocumentRegex     = regexp.MustCompile(`(?is)^ADD\s+DOCUMENT\s+TO\s+BUNDLE\s+"([^"]+)"\s*WITH\s*\(([\s\S]+)\)$`)
	updateDocumentsRegex = regexp.MustCompile(`(?is)^UPDATE\s+DOCUMENTS\s+IN\s+BUNDLE\s+"([^"]+)"\s*\(([\s\S]+?)\)\s*WHERE\s+(.+)$`)
	deleteDocumentsRegex = regexp.MustCompile(`(?is)^DELETE\s+DOCUMENTS\s+FROM(?:\s+BUNDLE)?\s+"([^"]+)"(?:\s+WHERE\s+(.+))?$`)
)

// CommandDirector parses a text command and runs it against store.
func CommandDirector(store *Store, command string, logger *zap.SugaredLogger) (*CommandResponse, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	command = strings.TrimSpace(command)
	command = strings.TrimSuffix(command, ";")
	command = strings.TrimSpace(command)
	commandParts := strings.Fields(command)
	if len(commandParts) < 2 {
		return nil, fmt.Errorf("unknown command format: %s", command)
	}

	verb := strings.ToLower(commandParts[0])
	if verb == "select" && strings.EqualFold(commandParts[1], "databases") {
		return selectDatabases(store)
	}

	current, err := store.Current()
	if err != nil {
		return nil, err
	}

	switch verb {
	case "select":
		matches := selectDocumentsRegex.FindStringSubmatch(command)
		if matches == nil {
			return nil, fmt.Errorf("SELECT DOCUMENTS expects the form 'FROM \"<bundle_name>\"'")
		}
		p, err := engine.ParseWhereClause(matches[2])
		if err != nil {
			return nil, fmt.Errorf("error parsing where clause: %w", err)
		}

		var documents []*models.Document
		if matches[3] != "" {
			documents, err = current.ObjectsSorted(matches[1], p, matches[3], !strings.EqualFold(matches[4], "DESC"))
		} else {
			documents, err = current.ObjectsWhere(matches[1], p)
		}
		if err != nil {
			return nil, err
		}
		logger.Debugw("Selected documents", "bundle", matches[1], "where", p.String(), "count", len(documents))
		return &CommandResponse{ResultCount: len(documents), Result: documents}, nil

	case "count":
		matches := countDocumentsRegex.FindStringSubmatch(command)
		if matches == nil {
			return nil, fmt.Errorf("COUNT DOCUMENTS expects the form 'FROM \"<bundle_name>\"'")
		}
		p, err := engine.ParseWhereClause(matches[2])
		if err != nil {
			return nil, fmt.Errorf("error parsing where clause: %w", err)
		}
		var count int
		err = current.Database().View(func(snap *engine.Snapshot) error {
			results, err := snap.Query(matches[1], p)
			if err != nil {
				return err
			}
			count = results.Count()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: count, Result: count}, nil

	case "add":
		matches := addDocumentRegex.FindStringSubmatch(command)
		if matches == nil {
			return nil, fmt.Errorf("ADD DOCUMENT expects the form 'TO BUNDLE \"<bundle_name>\" WITH ({field=value}, ...)'")
		}
		doc, err := buildDocument(current, matches[1], matches[2])
		if err != nil {
			return nil, err
		}
		id, err := current.Add(doc, nil)
		if err != nil {
			return nil, fmt.Errorf("error adding document to bundle '%s': %w", matches[1], err)
		}
		return &CommandResponse{ResultCount: 1, Result: id}, nil

	case "update":
		matches := updateDocumentsRegex.FindStringSubmatch(command)
		if matches == nil {
			return nil, fmt.Errorf("UPDATE DOCUMENTS expects the form 'IN BUNDLE \"<bundle_name>\" ({field=value}, ...) WHERE <clause>'")
		}
		patch, err := buildDocument(current, matches[1], matches[2])
		if err != nil {
			return nil, err
		}
		p, err := engine.ParseWhereClause(matches[3])
		if err != nil {
			return nil, fmt.Errorf("error parsing where clause: %w", err)
		}
		updated, err := current.UpdateWhere(matches[1], p, patch.Fields)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: updated, Result: updated}, nil

	case "delete":
		matches := deleteDocumentsRegex.FindStringSubmatch(command)
		if matches == nil {
			return nil, fmt.Errorf("DELETE DOCUMENTS expects the form 'FROM \"<bundle_name>\"'")
		}
		var removed int
		if strings.TrimSpace(matches[2]) == "" {
			removed, err = current.DeleteAll(matches[1], nil)
		} else {
			var p engine.Predicate
			p, err = engine.ParseWhereClause(matches[2])
			if err != nil {
				return nil, fmt.Errorf("error parsing where clause: %w", err)
			}
			removed, err = current.DeleteWhere(matches[1], p, nil)
		}
		if err != nil {
			return nil, err
		}
		return &CommandResponse{ResultCount: removed, Result: removed}, nil
	}

	return nil, fmt.Errorf("unknown command format: %s", command)
}

func selectDatabases(store *Store) (*CommandResponse, error) {
	stored, err := store.Databases().StoredDatabases()
	if err != nil {
		return nil, err
	}
	databases := make([]DatabaseInfo, 0, len(stored))
	for _, name := range stored {
		_, open := store.Databases().Get(name)
		databases = append(databases, DatabaseInfo{Name: name, Open: open})
	}
	return &CommandResponse{ResultCount: len(databases), Result: databases}, nil
}

func buildDocument(current *BundleService, bundleName, fieldsText string) (*models.Document, error) {
	bundle, err := current.Database().Schema().Lookup(bundleName)
	if err != nil {
		return nil, err
	}
	values, err := engine.ParseDocumentValues(fieldsText)
	if err != nil {
		return nil, fmt.Errorf("error parsing document fields: %w", err)
	}
	return engine.BuildDocument(bundle, values)
}
