package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pinchtab/autoapply/internal/session"
)

func init() {
	for _, p := range builtins() {
		Register(p)
	}
}

func builtins() []*Platform {
	return []*Platform{
		{
			Name:        "linkedin",
			Domains:     []string{"linkedin.com"},
			LinkPattern: regexp.MustCompile(`linkedin\.com/jobs/view/\d+`),
			SearchURL:   linkedinSearchURL,
		},
		{
			Name:        "indeed",
			Domains:     []string{"indeed.com"},
			LinkPattern: regexp.MustCompile(`indeed\.com/(viewjob\?|rc/clk\?|pagead/clk\?).*jk=`),
			SearchURL:   indeedSearchURL,
		},
		{
			Name:        "glassdoor",
			Domains:     []string{"glassdoor.com"},
			LinkPattern: regexp.MustCompile(`glassdoor\.[a-z.]+/job-listing/`),
			SearchURL:   glassdoorSearchURL,
		},
		{
			Name:        "ziprecruiter",
			Domains:     []string{"ziprecruiter.com"},
			LinkPattern: regexp.MustCompile(`ziprecruiter\.com/(c|jobs|k)/`),
			SearchURL:   zipRecruiterSearchURL,
		},
		{
			Name:        "workable",
			Domains:     []string{"workable.com"},
			LinkPattern: regexp.MustCompile(`(apply|jobs)\.workable\.com/.+`),
			SearchURL:   workableSearchURL,
		},
		{
			Name:        "lever",
			Domains:     []string{"lever.co", "google.com"},
			LinkPattern: regexp.MustCompile(`jobs\.lever\.co/[^/]+/[0-9a-f-]{36}`),
			SearchURL:   siteSearch("jobs.lever.co"),
		},
		{
			Name:        "breezy",
			Domains:     []string{"breezy.hr", "google.com"},
			LinkPattern: regexp.MustCompile(`[a-z0-9-]+\.breezy\.hr/p/[^/?#]+`),
			SearchURL:   siteSearch("breezy.hr"),
		},
		{
			Name:        "recruitee",
			Domains:     []string{"recruitee.com", "google.com"},
			LinkPattern: regexp.MustCompile(`[a-z0-9-]+\.recruitee\.com/o/[^/?#]+`),
			SearchURL:   siteSearch("recruitee.com"),
		},
		{
			Name:      "external",
			Domains:   []string{"google.com"},
			SearchURL: externalSearchURL,
		},
	}
}

func requireRole(p session.SearchParams) error {
	if strings.TrimSpace(p.Role) == "" {
		return fmt.Errorf("search role is required")
	}
	return nil
}

var linkedinWorkplace = map[string]string{"onsite": "1", "remote": "2", "hybrid": "3"}
var linkedinJobType = map[string]string{
	"full-time": "F", "part-time": "P", "contract": "C", "temporary": "T", "internship": "I",
}
var linkedinAge = map[string]string{"day": "r86400", "week": "r604800", "month": "r2592000"}

func linkedinSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("keywords", p.Role)
	q.Set("f_AL", "true")
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	if v, ok := linkedinWorkplace[strings.ToLower(p.WorkplaceMode)]; ok {
		q.Set("f_WT", v)
	}
	if v, ok := linkedinJobType[strings.ToLower(p.JobType)]; ok {
		q.Set("f_JT", v)
	}
	if v, ok := linkedinAge[strings.ToLower(p.DatePosted)]; ok {
		q.Set("f_TPR", v)
	}
	return "https://www.linkedin.com/jobs/search/?" + q.Encode(), nil
}

var ageDays = map[string]string{"day": "1", "3days": "3", "week": "7", "month": "14"}

func indeedSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	host := "www.indeed.com"
	if c := strings.ToLower(strings.TrimSpace(p.Country)); c != "" && c != "us" {
		host = c + ".indeed.com"
	}
	q := url.Values{}
	q.Set("q", p.Role)
	if p.Location != "" {
		q.Set("l", p.Location)
	}
	if v, ok := ageDays[strings.ToLower(p.DatePosted)]; ok {
		q.Set("fromage", v)
	}
	if strings.EqualFold(p.WorkplaceMode, "remote") {
		q.Set("sc", "0kf:attr(DSQF7);")
	}
	if p.SalaryMin > 0 {
		q.Set("salaryType", fmt.Sprintf("$%d", p.SalaryMin))
	}
	return "https://" + host + "/jobs?" + q.Encode(), nil
}

func glassdoorSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("sc.keyword", p.Role)
	if p.Location != "" {
		q.Set("locKeyword", p.Location)
	}
	if strings.EqualFold(p.WorkplaceMode, "remote") {
		q.Set("remoteWorkType", "1")
	}
	if v, ok := ageDays[strings.ToLower(p.DatePosted)]; ok {
		q.Set("fromAge", v)
	}
	if p.SalaryMin > 0 {
		q.Set("minSalary", fmt.Sprint(p.SalaryMin))
	}
	if p.SalaryMax > 0 {
		q.Set("maxSalary", fmt.Sprint(p.SalaryMax))
	}
	return "https://www.glassdoor.com/Job/jobs.htm?" + q.Encode(), nil
}

func zipRecruiterSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("search", p.Role)
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	if v, ok := ageDays[strings.ToLower(p.DatePosted)]; ok {
		q.Set("days", v)
	}
	if strings.EqualFold(p.WorkplaceMode, "remote") {
		q.Set("remote", "only_remote")
	}
	return "https://www.ziprecruiter.com/jobs-search?" + q.Encode(), nil
}

func workableSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("query", p.Role)
	if p.Location != "" {
		q.Set("location", p.Location)
	}
	if strings.EqualFold(p.WorkplaceMode, "remote") {
		q.Set("workplace", "remote")
	}
	return "https://jobs.workable.com/search?" + q.Encode(), nil
}

// siteSearch targets boards without a public cross-company search page.
func siteSearch(site string) SearchURLFunc {
	return func(p session.SearchParams) (string, error) {
		if err := requireRole(p); err != nil {
			return "", err
		}
		terms := []string{"site:" + site, quote(p.Role)}
		if p.Location != "" {
			terms = append(terms, quote(p.Location))
		}
		if strings.EqualFold(p.WorkplaceMode, "remote") {
			terms = append(terms, "remote")
		}
		return googleURL(terms, p.DatePosted), nil
	}
}

func externalSearchURL(p session.SearchParams) (string, error) {
	if err := requireRole(p); err != nil {
		return "", err
	}
	terms := []string{quote(p.Role), "careers", "apply"}
	if p.Location != "" {
		terms = append(terms, quote(p.Location))
	}
	return googleURL(terms, p.DatePosted), nil
}

var googleAge = map[string]string{"day": "qdr:d", "week": "qdr:w", "month": "qdr:m"}

func googleURL(terms []string, age string) string {
	q := url.Values{}
	q.Set("q", strings.Join(terms, " "))
	if v, ok := googleAge[strings.ToLower(age)]; ok {
		q.Set("tbs", v)
	}
	return "https://www.google.com/search?" + q.Encode()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "") + `"`
}
