package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemtools/standman/internal/core/domain"
	"go.uber.org/zap"
)

// fakeFleet implements Fleet with canned answers.
type fakeFleet struct {
	infos   []domain.StandInfo
	logs    []byte
	lastOp  string
	failErr error
}

func (f *fakeFleet) ListAndRefresh(ctx context.Context) ([]domain.StandInfo, error) {
	return f.infos, f.failErr
}

func (f *fakeFleet) Logs(ctx context.Context, name, tail string) ([]byte, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.lastOp = "logs " + name + " " + tail
	return f.logs, nil
}

func (f *fakeFleet) Start(ctx context.Context, name string) error {
	f.lastOp = "start " + name
	return f.failErr
}

func (f *fakeFleet) Stop(ctx context.Context, name string) error {
	f.lastOp = "stop " + name
	return f.failErr
}

func (f *fakeFleet) BackupAll(ctx context.Context) error {
	f.lastOp = "backup_all"
	return f.failErr
}

func (f *fakeFleet) UpdateAll(ctx context.Context) error {
	f.lastOp = "update_all"
	return f.failErr
}

func (f *fakeFleet) BackupAndUpdateAll(ctx context.Context) error {
	f.lastOp = "backup_and_update"
	return f.failErr
}

func (f *fakeFleet) QueueStatus() map[string][]string {
	return map[string][]string{"db1:5432": {"backup alpha"}}
}

func testApp(fleet Fleet) *fiber.App {
	app := fiber.New()
	NewStandHandler(fleet, zap.NewNop().Sugar()).RegisterRoutes(app)
	return app
}

func TestListStands(t *testing.T) {
	fleet := &fakeFleet{infos: []domain.StandInfo{
		{Name: "alpha", Running: true, ServerStatus: domain.ServerRunning},
		{Name: "beta", ServerStatus: domain.ServerUnknown},
	}}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/stands/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var infos []domain.StandInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, domain.ServerRunning, infos[0].ServerStatus)
}

func TestStandNotFoundMapsTo404(t *testing.T) {
	fleet := &fakeFleet{failErr: domain.ErrStandNotFound}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/stands/missing/logs?tail=150", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestNoResourcesMapsToConflict(t *testing.T) {
	fleet := &fakeFleet{failErr: domain.ErrNoResources}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/stands/alpha/start", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestBusyQueueMapsToConflict(t *testing.T) {
	fleet := &fakeFleet{failErr: domain.ErrQueueBusy}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/actions/backup_all", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestStartAndStopStand(t *testing.T) {
	fleet := &fakeFleet{}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/stands/alpha/start", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "start alpha", fleet.lastOp)

	resp, err = app.Test(httptest.NewRequest("POST", "/api/v1/stands/alpha/stop", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "stop alpha", fleet.lastOp)
}

func TestStandLogsPassesTail(t *testing.T) {
	fleet := &fakeFleet{logs: []byte("log output")}
	app := testApp(fleet)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/stands/alpha/logs?tail=all", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "log output", string(body))
	assert.Equal(t, "logs alpha all", fleet.lastOp)
}

func TestQueueStatus(t *testing.T) {
	app := testApp(&fakeFleet{})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queues", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var status map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, []string{"backup alpha"}, status["db1:5432"])
}
