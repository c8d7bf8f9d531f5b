package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const timeLayout = time.RFC3339

// renderMarkdown lists follows one per line in the order given.
func renderMarkdown(follows []contacts.Follow) string {
	var builder strings.Builder
	builder.WriteString("# Follows\n\n")
	if len(follows) == 0 {
		builder.WriteString("_No follows._\n")
		return builder.String()
	}
	for _, follow := range follows {
		fmt.Fprintf(&builder, "- **@%s**", follow.Handle)
		if follow.DisplayName != "" {
			fmt.Fprintf(&builder, " (%s)", follow.DisplayName)
		}
		fmt.Fprintf(&builder, " · %s followers", humanize.Comma(follow.FollowersCount))
		if tags := follow.TagSet(); len(tags) > 0 {
			fmt.Fprintf(&builder, " · tags: %s", tags.String())
		}
		if follow.Note != nil && strings.TrimSpace(*follow.Note) != "" {
			fmt.Fprintf(&builder, " · note: %s", strings.ReplaceAll(strings.TrimSpace(*follow.Note), "\n", " "))
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

type dashboardRow struct {
	Handle      string
	DisplayName string
	AvatarURL   string
	Followers   string
	Tags        []string
	Note        string
}

type dashboardTag struct {
	Name   string
	Href   string
	Active bool
}

type dashboardView struct {
	Handle    string
	Filter    string
	Total     string
	Tagged    string
	Annotated string
	LastSync  string
	Tags      []dashboardTag
	Rows      []dashboardRow
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>FollowCRM · @{{.Handle}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#222}
table{border-collapse:collapse;width:100%}
th,td{border-bottom:1px solid #ddd;padding:.4rem;text-align:left;vertical-align:top}
td.num{text-align:right}
a.tag{display:inline-block;margin:0 .3rem .3rem 0;padding:.1rem .5rem;border-radius:.8rem;background:#eef;text-decoration:none}
a.tag.active{background:#336;color:#fff}
img{width:24px;height:24px;border-radius:50%;vertical-align:middle}
</style>
</head>
<body>
<header>
<h1>@{{.Handle}}</h1>
<p>{{.Total}} follows · {{.Tagged}} tagged · {{.Annotated}} annotated · last sync {{.LastSync}}</p>
<form method="post" action="/sync"><button type="submit">Sync now</button></form>
<form method="post" action="/auth/logout"><button type="submit">Sign out</button></form>
</header>
<nav>
<a class="tag{{if eq .Filter ""}} active{{end}}" href="/">all</a>
{{range .Tags}}<a class="tag{{if .Active}} active{{end}}" href="{{.Href}}">{{.Name}}</a>{{end}}
</nav>
<table>
<thead><tr><th></th><th>Handle</th><th>Name</th><th>Followers</th><th>Tags</th><th>Note</th></tr></thead>
<tbody>
{{range .Rows}}<tr>
<td>{{if .AvatarURL}}<img src="{{.AvatarURL}}" alt="">{{end}}</td>
<td><a href="https://x.com/{{.Handle}}">@{{.Handle}}</a></td>
<td>{{.DisplayName}}</td>
<td class="num">{{.Followers}}</td>
<td>{{range .Tags}}<a class="tag" href="/?tag={{.}}">{{.}}</a>{{end}}</td>
<td>{{.Note}}</td>
</tr>
{{else}}<tr><td colspan="6">No follows yet. Run a sync.</td></tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

func newDashboardView(handle, filter string, stats contacts.ContactStats, tags []string, follows []contacts.Follow) dashboardView {
	view := dashboardView{
		Handle:    handle,
		Filter:    filter,
		Total:     humanize.Comma(stats.Total),
		Tagged:    humanize.Comma(stats.Tagged),
		Annotated: humanize.Comma(stats.Annotated),
		LastSync:  "never",
		Tags:      make([]dashboardTag, 0, len(tags)),
		Rows:      make([]dashboardRow, 0, len(follows)),
	}
	if stats.LastSyncAt != nil {
		view.LastSync = humanize.Time(*stats.LastSyncAt)
	}
	for _, tag := range tags {
		view.Tags = append(view.Tags, dashboardTag{
			Name:   tag,
			Href:   "/?tag=" + url.QueryEscape(tag),
			Active: strings.EqualFold(tag, filter),
		})
	}
	for _, follow := range follows {
		row := dashboardRow{
			Handle:      follow.Handle,
			DisplayName: follow.DisplayName,
			AvatarURL:   follow.ProfileImageURL,
			Followers:   humanize.Comma(follow.FollowersCount),
			Tags:        follow.TagSet(),
		}
		if follow.Note != nil {
			row.Note = *follow.Note
		}
		view.Rows = append(view.Rows, row)
	}
	return view
}

func (h *httpHandler) handleDashboard(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	filter := strings.TrimSpace(c.Query("tag"))
	ctx := c.Request.Context()

	follows, err := h.contacts.ListFollows(ctx, userID, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	tags, err := h.contacts.UniqueTags(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	stats, err := h.contacts.Stats(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var page bytes.Buffer
	view := newDashboardView(c.GetString(userHandleContextKey), filter, stats, tags, follows)
	if err := dashboardTemplate.Execute(&page, view); err != nil {
		h.logger.Error("failed to render dashboard", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("render_failed", "could not render dashboard"))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page.Bytes())
}
