package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"career-agent/internal/cli"
	"career-agent/internal/integrations/objectstore"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: load .env: %v\n", err)
		os.Exit(1)
	}

	root := cli.NewRootCommand(func(ctx context.Context, bucket string) (cli.ObjectStore, error) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		store, err := objectstore.New(awss3.NewFromConfig(awsCfg), bucket)
		if err != nil {
			return nil, err
		}
		return store, nil
	})
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
