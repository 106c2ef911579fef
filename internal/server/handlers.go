package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardenproject/warden/internal/audit"
	"github.com/wardenproject/warden/internal/capability"
	"github.com/wardenproject/warden/internal/runtime"
	"github.com/wardenproject/warden/internal/shared/id"
	"github.com/wardenproject/warden/internal/version"
)

type executeRequest struct {
	Principal string `json:"principal" binding:"required"`
	Code      string `json:"code" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
	Budget    int    `json:"budget"`
	// MinKernelVersion lets a workflow declare the oldest kernel
	// contract it was written against; incompatible submissions are
	// refused before admission.
	MinKernelVersion string `json:"min_kernel_version"`
}

// checkKernelVersion refuses submissions declaring an incompatible
// min_kernel_version. Returns false after writing the response.
func (s *Server) checkKernelVersion(c *gin.Context, minKernel string) bool {
	if minKernel == "" {
		return true
	}
	compat, err := version.CheckWorkflow(minKernel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if compat == version.Incompatible {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          "workflow requires an incompatible kernel",
			"kernel_version": version.KernelVersion,
			"min_requested":  minKernel,
		})
		return false
	}
	return true
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.checkKernelVersion(c, req.MinKernelVersion) {
		return
	}
	opts := runtime.Options{}
	if req.TimeoutMS > 0 {
		opts.Timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if req.Budget > 0 {
		opts.OperationBudget = req.Budget
	}
	res := s.kernel.Runtime.Execute(c.Request.Context(), req.Principal, req.Code, opts)
	c.JSON(http.StatusOK, gin.H{
		"submission_id": res.SubmissionID,
		"state":         res.State,
		"value":         res.Value,
		"error":         res.Error,
		"error_kind":    res.ErrorKind,
		"validation":    res.Validation,
		"console":       res.Console,
		"operations":    res.Operations,
		"duration_ms":   res.Duration.Milliseconds(),
		"audit_range":   []string{res.AuditFirst, res.AuditLast},
	})
}

type validateRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	errs := runtime.Validate(req.Code)
	c.JSON(http.StatusOK, gin.H{"valid": len(errs) == 0, "errors": errs})
}

func (s *Server) infer(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.checkKernelVersion(c, req.MinKernelVersion) {
		return
	}
	required, res := s.kernel.Runtime.InferCapabilities(c.Request.Context(), req.Principal, req.Code)
	c.JSON(http.StatusOK, gin.H{
		"required": required,
		"state":    res.State,
		"error":    res.Error,
	})
}

func (s *Server) auditQuery(c *gin.Context) {
	filter := audit.Filter{
		Principal: c.Query("principal"),
		Op:        c.Query("op"),
		Object:    c.Query("object"),
		TxID:      c.Query("tx_id"),
	}
	entries, err := s.kernel.Audit.Query(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) auditExport(c *gin.Context) {
	format := audit.FormatJSON
	if c.Query("format") == "json.gz" {
		format = audit.FormatJSONGzip
		c.Header("Content-Encoding", "gzip")
	}
	c.Header("Content-Type", "application/json")
	filter := audit.Filter{
		Principal: c.Query("principal"),
		Op:        c.Query("op"),
	}
	if _, err := s.kernel.Audit.Export(c.Writer, filter, format); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type grantRequest struct {
	Principal string `json:"principal" binding:"required"`
	Operation string `json:"operation" binding:"required"`
	Resource  string `json:"resource" binding:"required"`
	Tier      string `json:"tier" binding:"required"`
	TTLMS     int    `json:"ttl_ms"`
}

func (s *Server) grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tier, err := capability.ParseTier(req.Tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec := capability.GrantSpec{
		Principal: req.Principal,
		Operation: req.Operation,
		Resource:  req.Resource,
		Tier:      tier,
		GrantedBy: "operator",
	}
	if req.TTLMS > 0 {
		spec.TTL = time.Duration(req.TTLMS) * time.Millisecond
	}
	cap, err := s.kernel.Broker.Grant(spec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cap_id": cap.ID})
}

type revokeRequest struct {
	CapID     string `json:"cap_id"`
	Principal string `json:"principal"`
	Reason    string `json:"reason"`
}

func (s *Server) revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch {
	case req.CapID != "":
		if err := s.kernel.Broker.Revoke(req.CapID, "operator", req.Reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": 1})
	case req.Principal != "":
		n, err := s.kernel.Broker.RevokeAll(req.Principal, "operator")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": n})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "cap_id or principal required"})
	}
}

func (s *Server) listCapabilities(c *gin.Context) {
	principal := c.Param("principal")
	caps := s.kernel.Broker.List(principal)
	out := make([]gin.H, 0, len(caps))
	for _, cp := range caps {
		out = append(out, gin.H{
			"cap_id":    cp.ID,
			"operation": cp.OperationPattern,
			"resource":  cp.ResourcePattern,
			"tier":      cp.Tier.String(),
			"issued_at": cp.IssuedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": out})
}

func (s *Server) listObjects(c *gin.Context) {
	typ := id.Type(c.Query("type"))
	if typ == "" {
		typ = id.Tab
	}
	list := s.kernel.Objects.ListByType(typ)
	out := make([]gin.H, 0, len(list))
	for _, o := range list {
		out = append(out, gin.H{
			"id":         o.ID.String(),
			"type":       string(o.Type),
			"version":    o.Version,
			"attrs":      o.Attrs,
			"created_at": o.CreatedAt,
			"updated_at": o.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"objects": out})
}
