// Command livecheck runs a single liveness verification against a saved
// camera frame, outside the session flow. Useful for checking credentials,
// prompt behavior, and model output shape from a terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/config"
	"github.com/ent0n29/livegate/internal/liveness"
	"github.com/ent0n29/livegate/internal/verify"
)

type options struct {
	imagePath   string
	movement    string
	instruction string
	yaw         float64
	tilt        float64
	roll        float64
	noSensors   bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.OpenAIAPIKey == "" {
		fmt.Fprintln(os.Stderr, "livecheck: OPENAI_API_KEY is not set")
		os.Exit(1)
	}

	data, err := os.ReadFile(opts.imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: read image: %v\n", err)
		os.Exit(1)
	}

	challenge := liveness.Challenge{
		ID:               "cli",
		Instruction:      opts.instruction,
		ExpectedMovement: liveness.Movement(opts.movement),
	}
	sample := liveness.SensorSample{}
	if !opts.noSensors {
		sample = liveness.SensorSample{Yaw: &opts.yaw, Tilt: &opts.tilt, Roll: &opts.roll}
	}

	client := verify.NewOpenAIClient(verify.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	}, zap.NewNop())

	verdict, err := client.Verify(context.Background(),
		liveness.EncodedImage{Data: data, MIMEType: "image/jpeg"}, sample, challenge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: verification failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Println(string(out))
	if !verdict.IsLive {
		os.Exit(3)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.StringVar(&opts.imagePath, "image", "", "path to a JPEG frame (required)")
	flag.StringVar(&opts.movement, "movement", string(liveness.MovementTiltUp), "expected movement (tilt_up|tilt_down|rotate_left|rotate_right|steady)")
	flag.StringVar(&opts.instruction, "instruction", "Slowly tilt your head up", "instruction text shown to the user")
	flag.Float64Var(&opts.yaw, "yaw", 0, "yaw reading in degrees")
	flag.Float64Var(&opts.tilt, "tilt", 0, "tilt reading in degrees")
	flag.Float64Var(&opts.roll, "roll", 0, "roll reading in degrees")
	flag.BoolVar(&opts.noSensors, "no-sensors", false, "submit with all sensor readings absent")
	flag.Parse()

	if opts.imagePath == "" {
		return options{}, fmt.Errorf("-image is required")
	}
	switch liveness.Movement(opts.movement) {
	case liveness.MovementTiltUp, liveness.MovementTiltDown,
		liveness.MovementRotateLeft, liveness.MovementRotateRight, liveness.MovementSteady:
	default:
		return options{}, fmt.Errorf("invalid -movement %q", opts.movement)
	}
	return opts, nil
}
