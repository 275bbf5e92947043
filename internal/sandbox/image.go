package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the sandbox image from contextDir. The directory
// must contain a Dockerfile; the resulting image is tagged imageName.
func BuildImage(ctx context.Context, docker *client.Client, contextDir, imageName string) error {
	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("sandbox image built", "image", imageName)
	return nil
}
