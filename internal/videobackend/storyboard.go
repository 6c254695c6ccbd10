package videobackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vbmedia/packline/internal/config"
	"github.com/vbmedia/packline/internal/model"
)

// Storyboard is the JSON storyboard render service. Unlike the renderfarm it
// answers synchronously: the finished video URL comes back in the submission
// response.
type Storyboard struct {
	baseURL   string
	accountID string
	token     string
	client    *http.Client
	logger    *slog.Logger
}

// NewStoryboard creates a storyboard client.
func NewStoryboard(cfg config.StoryboardConfig, logger *slog.Logger) *Storyboard {
	return &Storyboard{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		token:     cfg.Token,
		client:    &http.Client{Timeout: 5 * time.Minute},
		logger:    logger,
	}
}

// Kind identifies the backend variant.
func (s *Storyboard) Kind() model.VideoBackendKind {
	return model.BackendStoryboard
}

// storyboardVariant describes one known storyboard layout.
type storyboardVariant struct {
	storyboardID int
	maxImages    int
	buildData    func(req *Request, images []string) []dataItem
}

type dataItem struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

var welcomeDurations = []int{7, 11, 15}
var droneDurations = []int{7, 10}

var storyboardVariants = map[string]storyboardVariant{
	"storyboard_mylead1": {
		storyboardID: 14493,
		maxImages:    6,
		buildData:    buildMyLeadData,
	},
	"storyboard_myride1": {
		storyboardID: 15027,
		maxImages:    4,
		buildData:    buildMyRideData,
	},
}

func buildMyLeadData(req *Request, images []string) []dataItem {
	welcomeDuration := sceneDuration(welcomeDurations, req.IntroDuration)
	data := []dataItem{
		{Key: "welcome_dealer_video_duration", Val: strconv.Itoa(welcomeDuration)},
		{Key: "welcome_dealer_video", Val: req.IntroVideoURL},
		{Key: "agency_title", Val: req.CompanyName},
		{Key: "car_model", Val: ""},
		{Key: "customer_name", Val: req.ContactName},
		{Key: "drone_duration", Val: "7"},
		{Key: "drone_footage", Val: req.CampaignImageURL},
		{Key: "soundtrack", Val: req.SoundtrackURL},
		{Key: "user_photo_count", Val: strconv.Itoa(len(images))},
	}
	return append(data, imageItems("user_photo", images)...)
}

func buildMyRideData(req *Request, images []string) []dataItem {
	// The first photo is the establishing shot; dealership slots take the
	// next two.
	dealership := padImages(req.ImageURLs, 3, 1)

	footage := req.FinalVideoURL
	duration := req.FinalDuration
	if footage == "" {
		footage = req.CampaignImageURL
		duration = 0
	}

	data := []dataItem{
		{Key: "welcome", Val: req.Welcome},
		{Key: "slogan", Val: req.Slogan},
		{Key: "agency_title", Val: req.CompanyName},
		{Key: "customer_name", Val: req.ContactName},
		{Key: "drone_duration", Val: strconv.Itoa(sceneDuration(droneDurations, duration))},
		{Key: "drone_footage", Val: footage},
		{Key: "soundtrack", Val: req.SoundtrackURL},
		{Key: "dealership_photo_count", Val: strconv.Itoa(len(dealership))},
		{Key: "user_photo_count", Val: strconv.Itoa(len(images))},
	}
	data = append(data, imageItems("user_photo", images)...)
	return append(data, imageItems("dealership_photo", dealership)...)
}

func imageItems(key string, images []string) []dataItem {
	items := make([]dataItem, 0, len(images))
	for i, url := range images {
		items = append(items, dataItem{
			Key: fmt.Sprintf("%s%d", key, i+1),
			Val: url,
		})
	}
	return items
}

// padImages selects the images[offset:end] window, cycling back to the
// beginning when the package has too few photos. Storyboard slots are
// fixed-size, so the result always holds end-offset entries when any photo
// exists.
func padImages(images []string, end, offset int) []string {
	count := end - offset
	if offset > len(images) {
		offset = len(images)
	}
	if end > len(images) {
		end = len(images)
	}
	selected := append([]string{}, images[offset:end]...)
	// Walk the growing list from the start so short packages cycle through
	// their photos as many times as needed.
	for i := 0; len(selected) < count && i < len(selected); i++ {
		selected = append(selected, selected[i])
	}
	return selected
}

// sceneDuration picks the smallest allowed scene length that fits the source
// clip, defaulting to the shortest when the clip length is unknown.
func sceneDuration(allowed []int, duration int) int {
	if duration == 0 {
		return allowed[0]
	}
	for _, d := range allowed[:len(allowed)-1] {
		if duration <= d {
			return d
		}
	}
	return allowed[len(allowed)-1]
}

type storyboardRequest struct {
	ResponseFormat string     `json:"response_format"`
	StoryboardID   int        `json:"storyboard_id"`
	Output         sbOutput   `json:"output"`
	Data           []dataItem `json:"data"`
}

type sbOutput struct {
	Video []sbVideoOutput `json:"video"`
}

type sbVideoOutput struct {
	Format string `json:"format"`
	Height int    `json:"height"`
}

type storyboardResponse struct {
	CheckStatusURL string `json:"check_status_url"`
	Output         struct {
		Video []struct {
			Links struct {
				URL string `json:"url"`
			} `json:"links"`
		} `json:"video"`
	} `json:"output"`
}

// Push submits the storyboard and returns the finished video URL.
func (s *Storyboard) Push(ctx context.Context, req *Request) (*PushResult, error) {
	variant, ok := storyboardVariants[req.StoryboardName]
	if !ok {
		return nil, fmt.Errorf("unknown storyboard %q", req.StoryboardName)
	}

	images := padImages(req.ImageURLs, variant.maxImages, 0)

	payload := storyboardRequest{
		ResponseFormat: "json",
		StoryboardID:   variant.storyboardID,
		Output: sbOutput{
			Video: []sbVideoOutput{{Format: "mp4", Height: 100}},
		},
		Data: variant.buildData(req, images),
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/storyboards/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("storyboard request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("storyboard returned %d: %s", resp.StatusCode, detail)
	}

	var result storyboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode storyboard response: %w", err)
	}

	switch result.CheckStatusURL {
	case "ERROR", "NOT_EXIST":
		return nil, fmt.Errorf("storyboard rejected the job: %s", result.CheckStatusURL)
	}

	if len(result.Output.Video) == 0 || result.Output.Video[0].Links.URL == "" {
		return nil, fmt.Errorf("storyboard response has no video url")
	}

	return &PushResult{AssetURL: result.Output.Video[0].Links.URL}, nil
}

// Pull is never needed: the storyboard service renders during Push.
func (s *Storyboard) Pull(ctx context.Context, key string) (string, error) {
	return "", fmt.Errorf("storyboard backend does not support polling")
}

// accessToken exchanges the account credentials for a bearer token.
func (s *Storyboard) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/oauth/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(s.accountID, s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("storyboard token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storyboard token request returned %d", resp.StatusCode)
	}

	var token struct {
		TokenType   string `json:"token_type"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	return token.TokenType + " " + token.AccessToken, nil
}
