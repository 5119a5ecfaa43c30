package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const migrationReadinessPath = "/ops/v1/migration-readiness"

var errNotReadyForMigration = errors.New("gateway is not ready for migration")

func StartMigrationReadiness(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if strings.TrimSpace(addr) == "" {
		addr = fmt.Sprintf("http://localhost:%s", config.Env.Port["http"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	readiness, err := fetchMigrationReadiness(ctx, http.DefaultClient, addr)
	util.ContinueOrFatal(err)

	out, err := json.MarshalIndent(readiness, "", "  ")
	util.ContinueOrFatal(err)
	fmt.Fprintln(os.Stdout, string(out))

	if !readiness.Ready {
		logrus.WithField("reason", readiness.Reason).Error(errNotReadyForMigration)
		os.Exit(1)
	}
}

func fetchMigrationReadiness(ctx context.Context, client *http.Client, addr string) (*entity.MigrationReadiness, error) {
	endpoint := strings.TrimRight(addr, "/") + migrationReadinessPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	var readiness entity.MigrationReadiness
	if err := json.NewDecoder(resp.Body).Decode(&readiness); err != nil {
		return nil, fmt.Errorf("decode migration readiness: %w", err)
	}

	return &readiness, nil
}
