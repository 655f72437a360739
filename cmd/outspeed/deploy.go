package main

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
)

// Environment variables the deploy command honors. Both win over their flag.
const (
	envKeyAPIKey   = "OUTSPEED_API_KEY"
	envKeyEndpoint = "OUTSPEED_ENDPOINT"
)

const (
	defaultEndpoint = "https://infra.outspeed.ai/deploy"
	deployTimeout   = 60 * time.Second
)

// deployManifest describes what is being uploaded. Printed as YAML with
// --verbose.
type deployManifest struct {
	Function   string `json:"function" yaml:"function"`
	Endpoint   string `json:"endpoint" yaml:"endpoint"`
	SDKVersion string `json:"sdk_version" yaml:"sdk_version"`
}

type deployResponse struct {
	FunctionID string `json:"functionId"`
}

func newDeployCommand(logger shared.LoggerAdapter) *cobra.Command {
	var apiKeyFlag string
	var endpointFlag string
	var verboseFlag bool

	cmd := &cobra.Command{
		Use:   "deploy FILE",
		Short: "Upload a realtime function to the Outspeed platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey, err := shared.Getenv(shared.GetenvString, envKeyAPIKey, false, apiKeyFlag)
			if err != nil {
				return err
			}
			if apiKey == "" {
				return shared.ErrNoAPIKey
			}
			endpoint, err := shared.Getenv(shared.GetenvString, envKeyEndpoint, false, endpointFlag)
			if err != nil {
				return err
			}

			printer, err := shared.NewPrinter("  ", shared.NewWriteCloser(nopCloser{cmd.OutOrStdout()}))
			if err != nil {
				return err
			}

			manifest := deployManifest{
				Function:   filepath.Base(args[0]),
				Endpoint:   endpoint,
				SDKVersion: shared.Version,
			}
			if verboseFlag {
				rendered, err := yaml.Marshal(manifest)
				if err != nil {
					return fmt.Errorf("rendering manifest: %w", err)
				}
				if err := printer.Writeln("deploying:", 0); err != nil {
					return err
				}
				if err := printer.Writeln(string(rendered), 1); err != nil {
					return err
				}
			}

			function, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading function file: %w", err)
			}

			logger.Info("deploying function", zap.String("file", args[0]), zap.String("endpoint", endpoint))
			status, respBody, err := deployRequest(endpoint, apiKey, manifest, function)
			if err != nil {
				return err
			}
			if status != fasthttp.StatusOK {
				return fmt.Errorf("deployment failed: status %d: %s", status, respBody)
			}

			functionURL, err := parseDeployResponse(endpoint, respBody)
			if err != nil {
				return err
			}
			return printer.Writeln(functionURL, 0)
		},
	}

	cmd.Flags().StringVar(&apiKeyFlag, "api-key", "", "Outspeed API key (env OUTSPEED_API_KEY wins)")
	cmd.Flags().StringVar(&endpointFlag, "endpoint", defaultEndpoint, "Deployment endpoint (env OUTSPEED_ENDPOINT wins)")
	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Print the deployment manifest")
	return cmd
}

// deployRequest uploads the function file and its metadata as one multipart
// request.
func deployRequest(endpoint, apiKey string, manifest deployManifest, function []byte) (int, []byte, error) {
	metadata, err := sonic.Marshal(manifest)
	if err != nil {
		return 0, nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	filePart, err := writer.CreateFormFile("file", manifest.Function)
	if err != nil {
		return 0, nil, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := filePart.Write(function); err != nil {
		return 0, nil, fmt.Errorf("writing file part: %w", err)
	}

	metaHeaders := textproto.MIMEHeader{}
	metaHeaders.Set("Content-Disposition", `form-data; name="metadata"`)
	metaHeaders.Set("Content-Type", "application/json")
	metaPart, err := writer.CreatePart(metaHeaders)
	if err != nil {
		return 0, nil, fmt.Errorf("creating metadata part: %w", err)
	}
	if _, err := metaPart.Write(metadata); err != nil {
		return 0, nil, fmt.Errorf("writing metadata part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("X-API-KEY", apiKey)
	req.Header.SetContentType(writer.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := fasthttp.DoTimeout(req, resp, deployTimeout); err != nil {
		return 0, nil, fmt.Errorf("posting deployment: %w", err)
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}

// parseDeployResponse turns a successful deployment response into the URL the
// function is served from.
func parseDeployResponse(endpoint string, body []byte) (string, error) {
	var res deployResponse
	if err := sonic.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("unmarshaling deployment response: %w", err)
	}
	if res.FunctionID == "" {
		return "", fmt.Errorf("deployment response has no function id: %s", body)
	}
	base, err := baseURL(endpoint)
	if err != nil {
		return "", err
	}
	return base + "/run/" + res.FunctionID, nil
}

func baseURL(endpoint string) (string, error) {
	u := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(u)
	if err := u.Parse(nil, []byte(endpoint)); err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	return fmt.Sprintf("%s://%s", u.Scheme(), u.Host()), nil
}
