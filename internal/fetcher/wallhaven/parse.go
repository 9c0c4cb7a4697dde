package wallhaven

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
)

// addedLayout is the datetime attribute format with the zone suffix dropped.
const addedLayout = "2006-01-02T15:04:05"

// parseLatestID extracts the newest wallpaper id from the latest listing page.
func parseLatestID(body []byte) (int64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: read latest page: %w", crawler.ErrParse, err)
	}
	href, ok := doc.Find("section.thumb-listing-page li a").First().Attr("href")
	if !ok || href == "" {
		return 0, fmt.Errorf("%w: latest page has no wallpaper link", crawler.ErrParse)
	}
	id, err := lastPathID(href)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func lastPathID(href string) (int64, error) {
	u, err := url.Parse(href)
	if err != nil {
		return 0, fmt.Errorf("%w: bad wallpaper link %q: %w", crawler.ErrParse, href, err)
	}
	segment := path.Base(strings.TrimSuffix(u.Path, "/"))
	id, err := strconv.ParseInt(segment, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: wallpaper link %q does not end in an id", crawler.ErrParse, href)
	}
	return id, nil
}

// parsedPage is everything read from a wallpaper page.
type parsedPage struct {
	Wallpaper crawler.Wallpaper
	ImageSrc  string
}

// parseWallpaperPage reads the showcase sidebar and the image element of a
// wallpaper page. Hash and RelPath are left empty.
func parseWallpaperPage(id int64, body []byte) (parsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return parsedPage{}, fmt.Errorf("%w: read wallpaper %d: %w", crawler.ErrParse, id, err)
	}
	sidebar := doc.Find("aside#showcase-sidebar").First()
	if sidebar.Length() == 0 {
		return parsedPage{}, fmt.Errorf("%w: wallpaper %d: sidebar not found", crawler.ErrParse, id)
	}

	wp := crawler.Wallpaper{ID: id}

	colors := parseColors(sidebar)
	if len(colors) < crawler.PaletteSize {
		return parsedPage{}, fmt.Errorf("%w: wallpaper %d: expected %d palette colors, found %d",
			crawler.ErrParse, id, crawler.PaletteSize, len(colors))
	}
	copy(wp.Colors[:], colors)

	wp.Tags, err = parseTags(id, sidebar)
	if err != nil {
		return parsedPage{}, err
	}

	wp.Purity = strings.TrimSpace(sidebar.Find("fieldset.framed label").First().Text())

	if err := parseProperties(&wp, sidebar); err != nil {
		return parsedPage{}, err
	}

	src, ok := doc.Find("img#wallpaper").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return parsedPage{}, fmt.Errorf("%w: wallpaper %d: image element not found", crawler.ErrParse, id)
	}

	if err := wp.Validate(); err != nil {
		return parsedPage{}, err
	}
	return parsedPage{Wallpaper: wp, ImageSrc: strings.TrimSpace(src)}, nil
}

// parseColors reads "background-color:#rrggbb" style values from the palette.
func parseColors(sidebar *goquery.Selection) []string {
	var colors []string
	sidebar.Find("ul.color-palette li").Each(func(_ int, li *goquery.Selection) {
		style, _ := li.Attr("style")
		_, value, found := strings.Cut(style, ":")
		if !found {
			return
		}
		value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), ";"))
		if value != "" {
			colors = append(colors, value)
		}
	})
	return colors
}

func parseTags(id int64, sidebar *goquery.Selection) ([]crawler.Tag, error) {
	var (
		tags     []crawler.Tag
		parseErr error
	)
	sidebar.Find("ul#tags li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		rawID, _ := li.Attr("data-tag-id")
		tagID, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("%w: wallpaper %d: bad tag id %q", crawler.ErrParse, id, rawID)
			return false
		}
		// The second class carries the tag's purity, e.g. "tag tag-sfw".
		classes := strings.Fields(li.AttrOr("class", ""))
		if len(classes) < 2 {
			parseErr = fmt.Errorf("%w: wallpaper %d: tag %d has no purity class", crawler.ErrParse, id, tagID)
			return false
		}
		tags = append(tags, crawler.Tag{
			ID:     tagID,
			Name:   strings.TrimSpace(li.Find("a.tagname").First().Text()),
			Purity: classes[1],
		})
		return true
	})
	return tags, parseErr
}

func parseProperties(wp *crawler.Wallpaper, sidebar *goquery.Selection) error {
	var parseErr error
	sidebar.Find("dl dt").EachWithBreak(func(_ int, dt *goquery.Selection) bool {
		dd := dt.NextFiltered("dd")
		switch strings.TrimSpace(dt.Text()) {
		case "Favorites":
			wp.Favorites = parseCount(dd.Text())
		case "Uploaded by":
			wp.Uploader = strings.TrimSpace(dd.Find(".username").First().Text())
		case "Added":
			raw, _ := dd.Find("time").First().Attr("datetime")
			added, err := parseAdded(raw)
			if err != nil {
				parseErr = fmt.Errorf("%w: wallpaper %d: %w", crawler.ErrParse, wp.ID, err)
				return false
			}
			wp.Added = added
		case "Category":
			wp.Category = strings.TrimSpace(dd.Text())
		case "Source":
			wp.Source = strings.TrimSpace(dd.Text())
		case "Size":
			wp.Size = strings.TrimSpace(dd.Text())
		case "Views":
			wp.Views = parseCount(dd.Text())
		case "Resolution":
			w, h, err := parseResolution(dd.Text())
			if err != nil {
				parseErr = fmt.Errorf("%w: wallpaper %d: %w", crawler.ErrParse, wp.ID, err)
				return false
			}
			wp.Width, wp.Height = w, h
		}
		return true
	})
	return parseErr
}

// parseAdded reads the first 19 characters of an RFC 3339 timestamp as UTC.
func parseAdded(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) < len(addedLayout) {
		return time.Time{}, fmt.Errorf("bad added timestamp %q", raw)
	}
	t, err := time.ParseInLocation(addedLayout, raw[:len(addedLayout)], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad added timestamp %q: %w", raw, err)
	}
	return t, nil
}

// parseResolution reads "1920 x 1080".
func parseResolution(raw string) (int, int, error) {
	w, h, found := strings.Cut(raw, "x")
	if !found {
		return 0, 0, fmt.Errorf("bad resolution %q", raw)
	}
	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil {
		return 0, 0, fmt.Errorf("bad resolution %q", raw)
	}
	return width, height, nil
}

// parseCount keeps only the digits of a displayed number such as "1,234".
func parseCount(raw string) int64 {
	var n int64
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			n = n*10 + int64(r-'0')
		}
	}
	return n
}
