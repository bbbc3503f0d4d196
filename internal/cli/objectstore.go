// Package cli implements the object store command line utility.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"career-agent/internal/integrations/objectstore"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212"))

	sizeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

// ObjectStore is the subset of the S3 client used by the commands.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, opts objectstore.PutOptions) error
	List(ctx context.Context, prefix string) ([]objectstore.Object, error)
	Bucket() string
	PublicURL(key string) string
}

// StoreFactory opens the store for a bucket.
type StoreFactory func(ctx context.Context, bucket string) (ObjectStore, error)

// NewRootCommand builds the objectstore command tree.
func NewRootCommand(open StoreFactory) *cobra.Command {
	var bucket string

	root := &cobra.Command{
		Use:           "objectstore",
		Short:         "Upload and list files in the knowledge-base bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&bucket, "bucket", os.Getenv("BUCKET_NAME"), "Bucket name (defaults to $BUCKET_NAME)")

	storeFor := func(cmd *cobra.Command) (ObjectStore, error) {
		if strings.TrimSpace(bucket) == "" {
			return nil, errors.New("bucket is required: set --bucket or BUCKET_NAME")
		}
		return open(cmd.Context(), bucket)
	}

	root.AddCommand(newUploadCommand(storeFor), newListCommand(storeFor))
	return root
}

func newUploadCommand(storeFor func(*cobra.Command) (ObjectStore, error)) *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file, keyed by its base name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storeFor(cmd)
			if err != nil {
				return err
			}
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			key := filepath.Base(path)
			err = store.Put(cmd.Context(), key, f, objectstore.PutOptions{
				ContentType: mime.TypeByExtension(filepath.Ext(key)),
				Public:      !private,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s → s3://%s/%s\n",
				successStyle.Render("uploaded"), path, store.Bucket(), keyStyle.Render(key))
			if !private {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", store.PublicURL(key))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "Upload without the public-read ACL")
	return cmd
}

func newListCommand(storeFor func(*cobra.Command) (ObjectStore, error)) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every object in the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storeFor(cmd)
			if err != nil {
				return err
			}
			objects, err := store.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d objects in %s", len(objects), store.Bucket())))
			for _, o := range objects {
				fmt.Fprintf(out, "%s %s %s\n",
					keyStyle.Render(o.Key),
					sizeStyle.Render(fmt.Sprintf("(%d bytes)", o.Size)),
					sizeStyle.Render(o.LastModified.UTC().Format(time.DateTime)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list keys with this prefix")
	return cmd
}
