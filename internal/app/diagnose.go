package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"

	"sdr-agent/internal/integrations/pipefy"
)

// DescribePipeFields prints the start-form fields of the configured pipe and
// the field keys the service expects but cannot find. Use it to check a new
// pipe before pointing the service at it.
func DescribePipeFields(ctx context.Context, cfg Config, w io.Writer, opts ...Option) error {
	bo := buildOptions{logger: slog.Default(), getenv: os.Getenv}
	for _, opt := range opts {
		opt(&bo)
	}

	var awsCfg aws.Config
	if cfg.ParamPrefix != "" {
		var err error
		awsCfg, err = loadAWSConfig(ctx)
		if err != nil {
			return fmt.Errorf("app: load AWS config: %w", err)
		}
	}
	secrets, err := newSecrets(cfg, awsCfg, bo.getenv)
	if err != nil {
		return err
	}
	client, err := newPipefy(ctx, cfg, secrets, bo.logger)
	if err != nil {
		return err
	}
	if client.Simulated() {
		return errors.New("app: a live pipefy token is required to describe pipe fields")
	}

	fields, err := client.ListStartFormFields(ctx)
	if err != nil {
		return fmt.Errorf("app: describe pipe fields: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINTERNAL_ID\tTYPE\tREQUIRED\tLABEL\tKEY")
	for _, f := range fields {
		key, ok := f.Key()
		mapped := "-"
		if ok {
			mapped = string(key)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.InternalID, f.Type, strconv.FormatBool(f.Required), f.Label, mapped)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, key := range pipefy.MissingKeys(fields) {
		fmt.Fprintf(w, "missing: %s\n", key)
	}
	return nil
}
