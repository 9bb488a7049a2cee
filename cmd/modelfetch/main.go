package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"text/tabwriter"

	"github.com/schnicklfritz/comfyui-model-downloader/internal/classifier"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/config"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/placement"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/rclone"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "modelfetch",
		Short: "Download, classify, and place ML model artifacts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			return godotenv.Load(envFile)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&envFile, "env", "", "path to load env from")

	root.AddCommand(fetchCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(remoteCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func fetchCmd() *cobra.Command {
	var (
		requestedType string
		remote        string
		output        string
		token         string
		direct        bool
	)

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Download a model, classify it, and place it in the models tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			if direct {
				return fetchDirect(ctx, cfg, args[0], requestedType, remote, token, cmd.OutOrStdout())
			}

			dl := downloader.New(cfg.StagingDir(), cfg.DownloadTimeout)

			staged, err := dl.Fetch(ctx, args[0], token, fetchProgress(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer os.RemoveAll(filepath.Dir(staged))

			result, err := classifyStaged(staged, filepath.Base(staged), requestedType)
			if err != nil {
				return err
			}
			printClassification(cmd.OutOrStdout(), result)

			placer, err := resolvePlacer(cfg, remote, output)
			if err != nil {
				return err
			}

			finalPath, err := placer.Place(ctx, staged, result.Category)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Placed:     %s\n", finalPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&requestedType, "type", "", "Category to file the model under, skipping classification")
	cmd.Flags().StringVar(&remote, "remote", "", "Saved remote profile to upload to instead of the local models tree")
	cmd.Flags().StringVar(&output, "output", "", "Models directory (defaults to MODELS_DIR)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the download request")
	cmd.Flags().BoolVar(&direct, "direct", false, "Stream the URL into the remote with rclone copyurl, requires --remote and --type")
	return cmd
}

// fetchDirect hands the URL to rclone copyurl so the artifact streams into
// the bucket without touching local disk. There are no bytes to inspect, so
// the category must be explicit.
func fetchDirect(ctx context.Context, cfg *config.Config, url, requestedType, remote, token string, out io.Writer) error {
	if remote == "" || requestedType == "" {
		return errors.New("--direct requires --remote and --type")
	}
	if token != "" {
		return errors.New("--direct cannot attach an auth token, drop --direct to stage the download")
	}
	if cfg.TransferTool != config.TransferRclone {
		return fmt.Errorf("--direct shells out to rclone, TRANSFER_TOOL is %q", cfg.TransferTool)
	}

	category, err := classifier.ParseCategory(requestedType)
	if err != nil {
		return err
	}

	creds, err := credentials.NewStore(cfg.DataDir)
	if err != nil {
		return err
	}
	profile, err := creds.Get(remote)
	if err != nil {
		return fmt.Errorf("loading credentials for %q: %w", remote, err)
	}
	if profile == nil {
		return fmt.Errorf("remote %q: %w", remote, credentials.ErrMissing)
	}

	runner, err := rclone.NewRunner()
	if err != nil {
		return err
	}

	key := path.Join(category.Folder(), downloader.ResolveFilename(url, ""))
	dest := rclone.RemoteDestination(remote, profile.Bucket, key)

	if err := runner.CopyURL(ctx, url, dest, rclone.Environ(os.Environ(), remote, *profile)); err != nil {
		return err
	}

	fmt.Fprintf(out, "Placed:     %s\n", dest)
	return nil
}

func fetchProgress(w io.Writer) downloader.Progress {
	var bar *progressbar.ProgressBar
	return func(downloaded, total int64) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription("downloading"),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWriter(w),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set64(downloaded)
	}
}

func classifyStaged(staged, filename, requestedType string) (classifier.Result, error) {
	if requestedType != "" {
		category, err := classifier.ParseCategory(requestedType)
		if err != nil {
			return classifier.Result{}, err
		}
		return classifier.Result{Category: category, Confidence: 1.0, Reason: "requested type"}, nil
	}
	return classifier.ClassifyFile(staged, filename)
}

func resolvePlacer(cfg *config.Config, remote, output string) (placement.Placer, error) {
	if remote == "" {
		modelsDir := cfg.ModelsDir
		if output != "" {
			modelsDir = output
		}
		return placement.NewLocalPlacer(modelsDir), nil
	}

	creds, err := credentials.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	if cfg.TransferTool == config.TransferS3 {
		profile, err := creds.Get(remote)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, fmt.Errorf("remote %q: %w", remote, credentials.ErrMissing)
		}

		store, err := storage.NewS3Store(storage.S3Config{
			Endpoint:        profile.Endpoint,
			Region:          profile.Region,
			AccessKeyID:     profile.AccessKeyID,
			SecretAccessKey: profile.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return placement.NewS3Placer(store, profile.Bucket), nil
	}

	runner, err := rclone.NewRunner()
	if err != nil {
		return nil, err
	}
	return placement.NewRclonePlacer(runner, creds, remote), nil
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <path>",
		Short: "Classify a local model artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := classifier.ClassifyFile(args[0], filepath.Base(args[0]))
			if err != nil {
				return err
			}
			printClassification(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func printClassification(w io.Writer, result classifier.Result) {
	fmt.Fprintf(w, "Category:   %s\n", result.Category)
	fmt.Fprintf(w, "Confidence: %.2f\n", result.Confidence)
	fmt.Fprintf(w, "Reason:     %s\n", result.Reason)
	if result.NeedsReview() {
		fmt.Fprintln(w, "Low confidence, review the placement before use.")
	}
}

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage saved remote storage profiles",
	}

	cmd.AddCommand(remoteAddCmd())
	cmd.AddCommand(remoteListCmd())
	cmd.AddCommand(remoteRemoveCmd())
	return cmd
}

func openCredentialStore() (*credentials.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return credentials.NewStore(cfg.DataDir)
}

func remoteAddCmd() *cobra.Command {
	var profile credentials.RemoteProfile

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a remote profile with encrypted credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentialStore()
			if err != nil {
				return err
			}

			if err := creds.Save(args[0], profile); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved remote %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&profile.Provider, "provider", "s3", "Storage type as rclone names it (s3, b2, azureblob, ...)")
	cmd.Flags().StringVar(&profile.AccessKeyID, "access-key-id", "", "Access key id")
	cmd.Flags().StringVar(&profile.SecretAccessKey, "secret-access-key", "", "Secret access key")
	cmd.Flags().StringVar(&profile.Bucket, "bucket", "", "Bucket name")
	cmd.Flags().StringVar(&profile.Endpoint, "endpoint", "", "Custom endpoint URL")
	cmd.Flags().StringVar(&profile.Region, "region", "", "Region")
	return cmd
}

func remoteListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved remote profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentialStore()
			if err != nil {
				return err
			}

			names, err := creds.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No remotes saved")
				return nil
			}

			profiles, err := creds.Profiles()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPROVIDER\tBUCKET\tENDPOINT\tREGION")
			for _, name := range names {
				profile := profiles[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, profile.Provider, profile.Bucket, profile.Endpoint, profile.Region)
			}
			return tw.Flush()
		},
	}
}

func remoteRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a saved remote profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentialStore()
			if err != nil {
				return err
			}

			if err := creds.Delete(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed remote %s\n", args[0])
			return nil
		},
	}
}
