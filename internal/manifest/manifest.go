package manifest

import (
	"bufio"
	"regexp"
	"strings"
)

// IntentFilter 组件的 intent-filter
type IntentFilter struct {
	Actions    []string `json:"actions,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// Activity 组件
type Activity struct {
	Name          string         `json:"name"`
	Exported      *bool          `json:"exported,omitempty"` // nil 表示未声明 android:exported
	IntentFilters []IntentFilter `json:"intent_filters,omitempty"`
}

// HasIntentFilter 是否声明了 intent-filter
func (a Activity) HasIntentFilter() bool {
	return len(a.IntentFilters) > 0
}

// IsExported 是否导出
// 显式声明的 android:exported 优先，未声明时以是否存在 intent-filter 为准
func (a Activity) IsExported() bool {
	if a.Exported != nil {
		return *a.Exported
	}
	return a.HasIntentFilter()
}

func (a Activity) String() string {
	return a.Name
}

// Manifest 解析后的 Manifest
type Manifest struct {
	Package    string     `json:"package"`
	Activities []Activity `json:"activities"`
}

var (
	packageRe  = regexp.MustCompile(`A: package="([^"]+)"`)
	nameRe     = regexp.MustCompile(`A: (?:[^\s(]*:)?name\([^)]*\)="([^"]+)"`)
	exportedRe = regexp.MustCompile(`A: (?:[^\s(]*:)?exported\([^)]*\)=(?:\(type 0x12\))?(\S+)`)
	elementRe  = regexp.MustCompile(`^E: ([\w-]+)`)
)

type element struct {
	indent int
	tag    string
}

// ParseXMLTree 解析 aapt2 dump xmltree 输出
func ParseXMLTree(output string) (*Manifest, error) {
	m := &Manifest{}
	if match := packageRe.FindStringSubmatch(output); len(match) > 1 {
		m.Package = match[1]
	}

	var (
		stack    []element
		activity *Activity
		filter   *IntentFilter
	)

	flush := func() {
		if activity == nil {
			return
		}
		if filter != nil {
			activity.IntentFilters = append(activity.IntentFilters, *filter)
			filter = nil
		}
		m.Activities = append(m.Activities, *activity)
		activity = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimLeft(raw, " \t")
		indent := len(raw) - len(line)

		if match := elementRe.FindStringSubmatch(line); match != nil {
			for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
				closed := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				switch closed.tag {
				case "intent-filter":
					if activity != nil && filter != nil {
						activity.IntentFilters = append(activity.IntentFilters, *filter)
						filter = nil
					}
				case "activity", "activity-alias":
					flush()
				}
			}
			stack = append(stack, element{indent: indent, tag: match[1]})

			switch match[1] {
			case "activity", "activity-alias":
				activity = &Activity{}
			case "intent-filter":
				if activity != nil {
					filter = &IntentFilter{}
				}
			}
			continue
		}

		if !strings.HasPrefix(line, "A: ") || len(stack) == 0 {
			continue
		}

		current := stack[len(stack)-1].tag
		switch current {
		case "activity", "activity-alias":
			if activity == nil {
				continue
			}
			if match := nameRe.FindStringSubmatch(line); match != nil {
				activity.Name = match[1]
			}
			if match := exportedRe.FindStringSubmatch(line); match != nil {
				exported := parseBool(match[1])
				activity.Exported = &exported
			}
		case "action":
			if filter != nil {
				if match := nameRe.FindStringSubmatch(line); match != nil {
					filter.Actions = append(filter.Actions, match[1])
				}
			}
		case "category":
			if filter != nil {
				if match := nameRe.FindStringSubmatch(line); match != nil {
					filter.Categories = append(filter.Categories, match[1])
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()

	return m, nil
}

// parseBool aapt 输出 0xffffffff / 0x0，aapt2 输出 true / false
func parseBool(v string) bool {
	v = strings.Trim(v, `"`)
	switch strings.ToLower(v) {
	case "true", "0xffffffff", "-1", "1":
		return true
	}
	return false
}
