package directors

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"kestreldb/src/engine"
	"kestreldb/src/models"
)

func TestCommandDirector(t *testing.T) {
	store := newTestStore(t)
	logger := zap.NewNop().Sugar()

	if _, err := CommandDirector(store, `COUNT DOCUMENTS FROM "Person"`, logger); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("Expected ErrNoDatabase before a database is open, got %v", err)
	}
	if err := store.OpenDatabase("people"); err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}

	adds := []string{
		`ADD DOCUMENT TO BUNDLE "Company" WITH ({name="Acme"},{city="Oslo"})`,
		`ADD DOCUMENT TO BUNDLE "Person" WITH ({id=1},{name="Ada"},{age=36},{gender=1},{employer="Acme"})`,
		`add document to bundle "Person" with ({id=2}, {name="Grace"}, {age=45}, {gender=1});`,
		`ADD DOCUMENT TO BUNDLE "Person" WITH ({id=3},{name="Linus"},{age=30},{gender=2})`,
	}
	for _, command := range adds {
		response, err := CommandDirector(store, command, logger)
		if err != nil {
			t.Fatalf("%s failed: %v", command, err)
		}
		if response.ResultCount != 1 {
			t.Errorf("%s: expected one added document, got %d", command, response.ResultCount)
		}
	}

	tests := []struct {
		name    string
		command string
		count   int
		ids     []string
	}{
		{"count all", `COUNT DOCUMENTS FROM "Person"`, 3, nil},
		{"count where", `COUNT DOCUMENTS FROM "Person" WHERE gender == 1`, 2, nil},
		{"select all", `SELECT DOCUMENTS FROM "Person"`, 3, []string{"1", "2", "3"}},
		{"select where", `SELECT DOCUMENTS FROM "Person" WHERE age > 31`, 2, []string{"1", "2"}},
		{"select ordered", `SELECT DOCUMENTS FROM "Person" WHERE age > 0 ORDER BY age DESC`, 3, []string{"2", "1", "3"}},
		{"select ordered ascending", `select documents from "Person" order by age`, 3, []string{"3", "1", "2"}},
		{"select reference", `SELECT DOCUMENTS FROM "Person" WHERE employer == "Company/Acme"`, 1, []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, err := CommandDirector(store, tt.command, logger)
			if err != nil {
				t.Fatalf("%s failed: %v", tt.command, err)
			}
			if response.ResultCount != tt.count {
				t.Errorf("Expected %d results, got %d", tt.count, response.ResultCount)
			}
			if tt.ids != nil && !sameIDs(response.Result.([]*models.Document), tt.ids...) {
				t.Errorf("Expected %v, got %v", tt.ids, ids(response.Result.([]*models.Document)))
			}
		})
	}

	response, err := CommandDirector(store, `UPDATE DOCUMENTS IN BUNDLE "Person" ({age=50},{name="Grace H."}) WHERE id == 2`, logger)
	if err != nil || response.ResultCount != 1 {
		t.Fatalf("UPDATE returned %+v, %v", response, err)
	}
	docs, _ := store.ObjectsWhere("Person", engine.Eq("age", 50))
	if len(docs) != 1 || docs[0].Get("name") != "Grace H." {
		t.Errorf("UPDATE did not change Grace: %v", docs)
	}

	response, err = CommandDirector(store, `DELETE DOCUMENTS FROM "Person" WHERE gender == 2`, logger)
	if err != nil || response.ResultCount != 1 {
		t.Fatalf("DELETE WHERE returned %+v, %v", response, err)
	}
	response, err = CommandDirector(store, `DELETE DOCUMENTS FROM BUNDLE "Person"`, logger)
	if err != nil || response.ResultCount != 2 {
		t.Fatalf("DELETE all returned %+v, %v", response, err)
	}

	response, err = CommandDirector(store, `SELECT DATABASES`, logger)
	if err != nil {
		t.Fatalf("SELECT DATABASES failed: %v", err)
	}
	databases := response.Result.([]DatabaseInfo)
	if len(databases) != 1 || databases[0].Name != "people" || !databases[0].Open {
		t.Errorf("Unexpected databases: %+v", databases)
	}
}

func TestCommandDirectorErrors(t *testing.T) {
	store := newTestStore(t)
	if err := store.OpenDatabase("people"); err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}

	tests := []struct {
		name    string
		command string
		want    error
	}{
		{"empty", ``, nil},
		{"unknown verb", `DROP TABLE people`, nil},
		{"select without bundle", `SELECT DOCUMENTS people`, nil},
		{"bad where", `SELECT DOCUMENTS FROM "Person" WHERE age >`, nil},
		{"unknown bundle", `COUNT DOCUMENTS FROM "Robot"`, engine.ErrUnknownType},
		{"unknown field", `ADD DOCUMENT TO BUNDLE "Person" WITH ({id=1},{name="Ada"},{shoe=44})`, engine.ErrUnknownField},
		{"bad literal", `ADD DOCUMENT TO BUNDLE "Person" WITH ({id=1},{name=Ada})`, nil},
		{"unknown sort field", `SELECT DOCUMENTS FROM "Person" ORDER BY shoe`, engine.ErrUnknownField},
		{"primary key update", `UPDATE DOCUMENTS IN BUNDLE "Person" ({id=9}) WHERE id == 1`, engine.ErrConstraint},
		{"update without where", `UPDATE DOCUMENTS IN BUNDLE "Person" ({age=9})`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CommandDirector(store, tt.command, nil)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
