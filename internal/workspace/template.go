package workspace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"compass-pipeline/internal/model"
)

// TemplateError reports a community template that cannot be used
type TemplateError struct {
	URL    string
	Reason string
	Err    error
}

func (e *TemplateError) Error() string {
	msg := fmt.Sprintf("invalid community template %q: %s", e.URL, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TemplateError) Unwrap() error { return e.Err }

// TemplateCategory is one project_types entry of a template
type TemplateCategory struct {
	Name      string
	RepoNames []string
}

// Template is the parsed community template
type Template struct {
	Name       string
	Categories []TemplateCategory
}

type templateDoc struct {
	CommunityName    string    `yaml:"community_name"`
	OrganizationName string    `yaml:"organization_name"`
	ProjectTypes     yaml.Node `yaml:"project_types"`
}

type projectType struct {
	DataSources struct {
		RepoNames []string `yaml:"repo_names"`
	} `yaml:"data_sources"`
}

// ParseTemplate decodes a community template, keeping the category order of
// the document
func ParseTemplate(source string, data []byte) (*Template, error) {
	var doc templateDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &TemplateError{URL: source, Reason: "malformed yaml", Err: err}
	}

	tpl := &Template{Name: strings.TrimSpace(doc.CommunityName)}
	if tpl.Name == "" {
		tpl.Name = strings.TrimSpace(doc.OrganizationName)
	}
	if tpl.Name == "" {
		return nil, &TemplateError{URL: source, Reason: "missing community_name"}
	}

	if doc.ProjectTypes.Kind != yaml.MappingNode {
		return nil, &TemplateError{URL: source, Reason: "project_types must be a mapping"}
	}
	content := doc.ProjectTypes.Content
	for i := 0; i+1 < len(content); i += 2 {
		var pt projectType
		if err := content[i+1].Decode(&pt); err != nil {
			return nil, &TemplateError{URL: source, Reason: "malformed project type " + content[i].Value, Err: err}
		}
		tpl.Categories = append(tpl.Categories, TemplateCategory{
			Name:      content[i].Value,
			RepoNames: pt.DataSources.RepoNames,
		})
	}
	return tpl, nil
}

// DeriveAggregateIdentity builds the Aggregate for a template fetched from
// templateURL. Constituents with invalid or unsupported urls are dropped in
// template order before the platform vote.
func DeriveAggregateIdentity(templateURL string, tpl *Template) (*model.Aggregate, error) {
	source, err := templateSource(templateURL)
	if err != nil {
		return nil, err
	}

	agg := &model.Aggregate{
		Name:      tpl.Name,
		SourceURL: source,
		Hash:      HashString(source),
	}

	votes := make(map[model.Platform]int)
	accepted := 0
	for _, c := range tpl.Categories {
		category := model.Category{Name: c.Name}
		for _, raw := range c.RepoNames {
			target, err := DeriveIdentity(raw)
			if err != nil {
				agg.Rejected = append(agg.Rejected, raw)
				continue
			}
			category.Targets = append(category.Targets, target)
			votes[target.Platform]++
			accepted++
		}
		agg.Categories = append(agg.Categories, category)
	}
	if accepted == 0 {
		return nil, &TemplateError{URL: source, Reason: "no supported repositories"}
	}

	best := 0
	for _, p := range model.Platforms {
		if votes[p] > best {
			best = votes[p]
			agg.Platform = p
		}
	}
	return agg, nil
}

// templateSource canonicalizes a template url and checks its host
func templateSource(raw string) (string, error) {
	u, err := CanonicalURL(raw)
	if err != nil {
		return "", err
	}
	if _, ok := PlatformForHost(u.Host); !ok {
		return "", &UnsupportedOriginError{URL: raw, Host: u.Host, Reason: "unsupported host"}
	}
	return u.String(), nil
}

// Fetcher retrieves a template document
type Fetcher interface {
	Fetch(ctx context.Context, platform model.Platform, rawURL string) ([]byte, error)
}

// HTTPFetcher downloads templates, routing each platform through its proxy
type HTTPFetcher struct {
	clients map[model.Platform]*http.Client
	direct  *http.Client
}

// NewHTTPFetcher creates a fetcher. proxies maps a platform to a proxy url;
// platforms without one connect directly.
func NewHTTPFetcher(proxies map[model.Platform]string, timeout time.Duration) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		clients: make(map[model.Platform]*http.Client),
		direct:  &http.Client{Timeout: timeout},
	}
	for platform, proxy := range proxies {
		if proxy == "" {
			continue
		}
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid %s proxy %q", platform, proxy)
		}
		f.clients[platform] = &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	return f, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, platform model.Platform, rawURL string) ([]byte, error) {
	client, ok := f.clients[platform]
	if !ok {
		client = f.direct
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "build request for %s", rawURL)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch template %s", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "read template %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("fetch template %s: status %d", rawURL, resp.StatusCode)
	}
	return body, nil
}

// TemplateLoader resolves a template url into an Aggregate
type TemplateLoader struct {
	fetcher Fetcher
}

func NewTemplateLoader(fetcher Fetcher) *TemplateLoader {
	return &TemplateLoader{fetcher: fetcher}
}

// Load validates the template origin, fetches and parses the document and
// derives the Aggregate. An unsupported origin fails before any fetch.
func (l *TemplateLoader) Load(ctx context.Context, templateURL string) (*model.Aggregate, error) {
	source, err := templateSource(templateURL)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(source)
	platform, _ := PlatformForHost(u.Host)

	data, err := l.fetcher.Fetch(ctx, platform, source)
	if err != nil {
		return nil, &TemplateError{URL: templateURL, Reason: "fetch failed", Err: err}
	}
	tpl, err := ParseTemplate(source, data)
	if err != nil {
		return nil, err
	}
	return DeriveAggregateIdentity(source, tpl)
}
