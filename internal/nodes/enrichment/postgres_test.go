package enrichment

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/engine/enginetest"
)

func TestPostgresProviderByField(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT * FROM devices WHERE device_id = $1 LIMIT 1").
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "name", "attrs", "label"}).
			AddRow("dev-1", "Boiler", []byte(`{"floor":3}`), []byte("not json")))

	rec, err := NewPostgresProvider(db).Fetch(context.Background(), Source{Collection: "devices", Field: "device_id"}, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Boiler", rec["name"])
	assert.Equal(t, map[string]interface{}{"floor": 3.0}, rec["attrs"])
	assert.Equal(t, "not json", rec["label"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProviderByQuery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT * FROM public.devices WHERE serial = $1 AND tenant = $2 LIMIT 1").
		WithArgs("SN-42", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"model"}))

	src := Source{Collection: "public.devices", Query: map[string]interface{}{"tenant": "t1", "serial": "{value}"}}
	_, err = NewPostgresProvider(db).Fetch(context.Background(), src, "SN-42")
	assert.ErrorIs(t, err, errNoRecord)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnrichmentNodeRoutesQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT \\* FROM devices").WillReturnError(errors.New("connection reset"))

	n := newEnrichmentNode(t, NewPostgresProvider(db), `{
		"source": {"collection": "devices", "field": "device_id"},
		"fields": {"deviceName": "name"}
	}`)
	ctx := enginetest.NewContext("t1", "enr-1")
	require.NoError(t, n.Process(ctx, reading()))

	failures := ctx.Of(enginetest.KindFailure)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
