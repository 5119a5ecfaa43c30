package bootstrap

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/repository"
	"github.com/krobus00/stream-gateway/internal/service/admission"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartCreateAPIKey(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	permissions, _ := cmd.Flags().GetStringSlice("permissions")
	rateLimit, _ := cmd.Flags().GetInt("rate-limit")
	rateWindow, _ := cmd.Flags().GetDuration("rate-window")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")

	if strings.TrimSpace(name) == "" {
		util.ContinueOrFatal(errors.New("name is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database[identityDatabase])
	util.ContinueOrFatal(err)
	defer db.Close()

	accessToken, err := newAccessToken()
	util.ContinueOrFatal(err)

	hash, err := admission.HashAccessToken(accessToken)
	util.ContinueOrFatal(err)

	apiKey := &entity.APIKey{
		Name:            name,
		Key:             uuid.NewString(),
		AccessTokenHash: hash,
		Permissions:     permissions,
		Active:          true,
	}
	if rateLimit > 0 {
		apiKey.RateLimit = sql.NullInt64{Int64: int64(rateLimit), Valid: true}
		apiKey.RateWindowSeconds = sql.NullInt64{Int64: int64(rateWindow / time.Second), Valid: rateWindow >= time.Second}
	}
	if expiresIn > 0 {
		apiKey.ExpiredAt = sql.NullTime{Time: time.Now().UTC().Add(expiresIn), Valid: true}
	}

	err = repository.NewAPIKeyRepository(db).Create(ctx, apiKey)
	util.ContinueOrFatal(err)

	logrus.WithFields(logrus.Fields{
		"id":          apiKey.ID,
		"name":        apiKey.Name,
		"permissions": permissions,
	}).Info("api key created")

	// the access token is only recoverable here
	fmt.Fprintf(os.Stdout, "api_key=%s\naccess_token=%s\n", apiKey.Key, accessToken)
}

func StartDeactivateAPIKey(cmd *cobra.Command, args []string) {
	id, _ := cmd.Flags().GetString("id")
	if strings.TrimSpace(id) == "" {
		util.ContinueOrFatal(errors.New("id is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database[identityDatabase])
	util.ContinueOrFatal(err)
	defer db.Close()

	err = repository.NewAPIKeyRepository(db).Deactivate(ctx, id)
	util.ContinueOrFatal(err)

	logrus.WithField("id", id).Info("api key deactivated")
}

func StartIssueToken(cmd *cobra.Command, args []string) {
	subject, _ := cmd.Flags().GetString("subject")
	name, _ := cmd.Flags().GetString("name")
	permissions, _ := cmd.Flags().GetStringSlice("permissions")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")

	secret := strings.TrimSpace(config.Env.Admission.JWTSecret)
	if secret == "" {
		util.ContinueOrFatal(errors.New("admission.jwt_secret is not configured"))
	}

	token, err := admission.NewJWTVerifier([]byte(secret), nil).Generate(subject, name, permissions, expiresIn)
	util.ContinueOrFatal(err)

	fmt.Fprintln(os.Stdout, token)
}

func newAccessToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
