package callgraph

import (
	"sort"

	"github.com/apk-analysis/apk-behavior-go/internal/apkinfo"
)

// Edge 调用边：caller 在 Offset 处调用 Callee
type Edge struct {
	Caller apkinfo.Method
	Callee apkinfo.Method
	Offset int
}

// Xref 交叉引用：(被调方法, 指令偏移)
type Xref struct {
	Method apkinfo.Method
	Offset int
}

// Index 调用图索引，构建完成后只读，可并发查询
type Index struct {
	bodies  map[apkinfo.Method]*apkinfo.MethodBody
	known   map[apkinfo.Method]struct{}
	methods []apkinfo.Method            // 所有已知方法（含仅作为被调出现的外部 API），有序
	byName  map[string][]apkinfo.Method // 方法名 -> 方法
	out     map[apkinfo.Method][]Edge   // 按偏移升序
	in      map[apkinfo.Method][]apkinfo.Method
	edges   int
}

// Build 扫描所有调用指令构建调用图
func Build(pkg apkinfo.Package) *Index {
	ix := &Index{
		bodies: make(map[apkinfo.Method]*apkinfo.MethodBody),
		known:  make(map[apkinfo.Method]struct{}),
		byName: make(map[string][]apkinfo.Method),
		out:    make(map[apkinfo.Method][]Edge),
		in:     make(map[apkinfo.Method][]apkinfo.Method),
	}

	callers := make(map[apkinfo.Method]map[apkinfo.Method]struct{})

	for _, body := range pkg.Methods() {
		ix.bodies[body.Method] = body
		ix.addKnown(body.Method)

		for i := range body.Instructions {
			ins := &body.Instructions[i]
			if ins.Kind() != apkinfo.KindInvoke || ins.Target == nil {
				continue
			}

			callee := *ins.Target
			ix.addKnown(callee)
			ix.out[body.Method] = append(ix.out[body.Method], Edge{
				Caller: body.Method,
				Callee: callee,
				Offset: ins.Offset,
			})
			ix.edges++

			set, ok := callers[callee]
			if !ok {
				set = make(map[apkinfo.Method]struct{})
				callers[callee] = set
			}
			set[body.Method] = struct{}{}
		}
	}

	for caller, edges := range ix.out {
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Offset < edges[j].Offset
		})
		ix.out[caller] = edges
	}

	for callee, set := range callers {
		list := make([]apkinfo.Method, 0, len(set))
		for caller := range set {
			list = append(list, caller)
		}
		sortMethods(list)
		ix.in[callee] = list
	}

	sortMethods(ix.methods)
	for name := range ix.byName {
		sortMethods(ix.byName[name])
	}

	return ix
}

func (ix *Index) addKnown(m apkinfo.Method) {
	if _, ok := ix.known[m]; ok {
		return
	}
	ix.known[m] = struct{}{}
	ix.methods = append(ix.methods, m)
	ix.byName[m.Name] = append(ix.byName[m.Name], m)
}

func sortMethods(list []apkinfo.Method) {
	sort.Slice(list, func(i, j int) bool {
		return apkinfo.Compare(list[i], list[j]) < 0
	})
}

// XrefTo 返回方法的所有出边 (被调方法, 偏移)，按偏移升序；未知方法返回空
func (ix *Index) XrefTo(m apkinfo.Method) []Xref {
	edges := ix.out[m]
	xrefs := make([]Xref, 0, len(edges))
	for _, e := range edges {
		xrefs = append(xrefs, Xref{Method: e.Callee, Offset: e.Offset})
	}
	return xrefs
}

// XrefFrom 返回调用该方法的所有调用者（去重，有序）；未知方法返回空
func (ix *Index) XrefFrom(m apkinfo.Method) []apkinfo.Method {
	callers := ix.in[m]
	out := make([]apkinfo.Method, len(callers))
	copy(out, callers)
	return out
}

// Edges 返回调用者的所有出边
func (ix *Index) Edges(caller apkinfo.Method) []Edge {
	return ix.out[caller]
}

// EdgesBetween 返回 caller 调用 callee 的所有调用点，按偏移升序
func (ix *Index) EdgesBetween(caller, callee apkinfo.Method) []Edge {
	var edges []Edge
	for _, e := range ix.out[caller] {
		if e.Callee == callee {
			edges = append(edges, e)
		}
	}
	return edges
}

// Resolve 返回匹配签名模式的所有已知方法
func (ix *Index) Resolve(p apkinfo.Pattern) []apkinfo.Method {
	candidates := ix.methods
	if p.HasName() {
		candidates = ix.byName[p.Name]
	}

	var matched []apkinfo.Method
	for _, m := range candidates {
		if p.Match(m) {
			matched = append(matched, m)
		}
	}
	return matched
}

// FindMethodInCaller caller 是否直接调用了 target；签名无法解析时返回 false
func (ix *Index) FindMethodInCaller(caller, target apkinfo.Pattern) bool {
	targets := ix.Resolve(target)
	if len(targets) == 0 {
		return false
	}

	for _, c := range ix.Resolve(caller) {
		for _, e := range ix.out[c] {
			for _, t := range targets {
				if e.Callee == t {
					return true
				}
			}
		}
	}
	return false
}

// Body 返回方法体；外部 API 没有方法体
func (ix *Index) Body(m apkinfo.Method) (*apkinfo.MethodBody, bool) {
	body, ok := ix.bodies[m]
	return body, ok
}

// Contains 方法是否出现在调用图中
func (ix *Index) Contains(m apkinfo.Method) bool {
	_, ok := ix.known[m]
	return ok
}

// Methods 返回所有已知方法
func (ix *Index) Methods() []apkinfo.Method {
	return ix.methods
}

// Stats 返回方法数与调用边数
func (ix *Index) Stats() (methods int, edges int) {
	return len(ix.methods), ix.edges
}
