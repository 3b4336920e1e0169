package collectors

import (
	"context"
	"testing"
)

func candidEnvelope(html string) string {
	return EncodeEnvelope(map[string]string{"profile_url": "https://www.guidestar.org/profile/13-1644147"}, html)
}

func TestCandidParseProfile(t *testing.T) {
	page := `<html><body>
<h1>Example Relief Fund</h1>
<section id="mission-statement"><h2>Our Mission</h2>
<p>Provide emergency relief and clean water to displaced families.</p></section>
<div>Ruling year info 1998</div>
<img class="profile-seal" title="2024 Platinum Seal of Transparency" src="/seal.png"/>
</body></html>`

	col := &candidCollector{}
	res := col.Parse(context.Background(), candidEnvelope(page), testCharity(t))
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	parsed := res.ParsedData

	if parsed["name"] != "Example Relief Fund" {
		t.Errorf("name = %v", parsed["name"])
	}
	if parsed["mission"] != "Provide emergency relief and clean water to displaced families." {
		t.Errorf("mission = %v", parsed["mission"])
	}
	if parsed["seal_level"] != "platinum" {
		t.Errorf("seal_level = %v", parsed["seal_level"])
	}
	if parsed["ruling_year"] != float64(1998) {
		t.Errorf("ruling_year = %v", parsed["ruling_year"])
	}
	if parsed["profile_url"] != "https://www.guidestar.org/profile/13-1644147" {
		t.Errorf("profile_url = %v", parsed["profile_url"])
	}
}

func TestCandidPlaceholderMissionDropped(t *testing.T) {
	page := `<html><body>
<h1>Example Relief Fund</h1>
<section id="mission"><p>This organization has not provided information regarding its mission.</p></section>
</body></html>`

	col := &candidCollector{}
	res := col.Parse(context.Background(), candidEnvelope(page), testCharity(t))
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	if v, has := res.ParsedData["mission"]; has {
		t.Errorf("mission = %v, want boilerplate dropped", v)
	}
	if res.ParsedData["name"] != "Example Relief Fund" {
		t.Errorf("name = %v", res.ParsedData["name"])
	}
}

func TestCandidSealIgnoresClassNames(t *testing.T) {
	// The class attribute is not a trusted seal signal; only an image
	// title or a container id counts.
	page := `<html><body>
<h1>Example Relief Fund</h1>
<img class="seal-platinum" src="/decoration.png"/>
<div id="seal-of-transparency-gold"></div>
</body></html>`

	col := &candidCollector{}
	res := col.Parse(context.Background(), candidEnvelope(page), testCharity(t))
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	if res.ParsedData["seal_level"] != "gold" {
		t.Errorf("seal_level = %v, want gold from the container id", res.ParsedData["seal_level"])
	}
}

func TestCandidMissionFromHeading(t *testing.T) {
	page := `<html><body>
<h1>Example Relief Fund</h1>
<div><h2>Mission</h2><p>Clean water for every village.</p></div>
</body></html>`

	col := &candidCollector{}
	res := col.Parse(context.Background(), candidEnvelope(page), testCharity(t))
	if !res.OK {
		t.Fatalf("parse failed: %s", res.Err)
	}
	if res.ParsedData["mission"] != "Clean water for every village." {
		t.Errorf("mission = %v", res.ParsedData["mission"])
	}
}

func TestCandidNoUsableContent(t *testing.T) {
	page := `<html><body><div>Log in to see this information.</div></body></html>`

	col := &candidCollector{}
	res := col.Parse(context.Background(), candidEnvelope(page), testCharity(t))
	if res.OK {
		t.Fatal("parse accepted a contentless profile")
	}
	if IsValidationError(res.Err) {
		t.Errorf("err = %q; an empty profile render should stay retryable", res.Err)
	}
}
