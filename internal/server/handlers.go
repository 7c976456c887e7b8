/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
	"github.com/chrishham/xanthus-sub007/pkg/cluster"
	"github.com/chrishham/xanthus-sub007/pkg/orchestrator"
	"github.com/chrishham/xanthus-sub007/pkg/registry"
	"github.com/chrishham/xanthus-sub007/pkg/values"
	"github.com/chrishham/xanthus-sub007/pkg/version"
	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

const idParam = "id"

func (s *Server) routes() {
	s.engine.GET("/healthz", s.getHealth)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/catalog", s.getCatalog)
	v1.GET("/catalog/issues", s.getCatalogIssues)
	v1.POST("/catalog/refresh", s.postCatalogRefresh)
	v1.GET("/catalog/:"+idParam, s.getDescriptor)
	v1.GET("/catalog/:"+idParam+"/version", s.getDescriptorVersion)

	v1.POST("/deployments", s.postDeployment)
	v1.GET("/deployments", s.getDeployments)
	v1.GET("/deployments/:"+idParam, s.getDeployment)
	v1.GET("/deployments/:"+idParam+"/upgrade", s.getUpgradeCheck)
	v1.POST("/deployments/:"+idParam+"/upgrade", s.postUpgrade)
	v1.DELETE("/deployments/:"+idParam, s.deleteDeployment)

	v1.GET("/port-forwards", s.getPortForwards)
	v1.GET("/events", s.getEvents)
	v1.GET("/servers", s.getServers)
}

func (s *Server) getHealth(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getCatalog(gc *gin.Context) {
	gc.JSON(http.StatusOK, s.catalog.List())
}

func (s *Server) getCatalogIssues(gc *gin.Context) {
	issues := s.catalog.Issues()
	out := make([]gin.H, 0, len(issues))
	for _, issue := range issues {
		out = append(out, gin.H{
			"descriptor_id": issue.DescriptorID,
			"field":         issue.Field,
			"reason":        issue.Reason,
		})
	}
	gc.JSON(http.StatusOK, out)
}

func (s *Server) postCatalogRefresh(gc *gin.Context) {
	report, err := s.catalog.Refresh(gc.Request.Context())
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, report)
}

func (s *Server) getDescriptor(gc *gin.Context) {
	d, err := s.catalog.Get(gc.Param(idParam))
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, d)
}

func (s *Server) getDescriptorVersion(gc *gin.Context) {
	d, err := s.catalog.Get(gc.Param(idParam))
	if err != nil {
		s.fail(gc, err)
		return
	}
	resolved, err := s.resolver.Resolve(gc.Request.Context(), d)
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, resolved)
}

func (s *Server) postDeployment(gc *gin.Context) {
	var req orchestrator.InstallRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.orc.Install(gc.Request.Context(), req)
	if err != nil {
		// An apply failure leaves a diagnosable record behind; return it.
		if d != nil {
			gc.JSON(statusFor(err), gin.H{"error": err.Error(), "deployment": d})
			return
		}
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusCreated, d)
}

type deploymentsQuery struct {
	DescriptorID string `form:"descriptor_id"`
	TargetID     string `form:"target_id"`
	Status       string `form:"status"`
}

func (s *Server) getDeployments(gc *gin.Context) {
	var query deploymentsQuery
	if err := gc.ShouldBindQuery(&query); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := s.storage.ListDeployments(gc.Request.Context(), registry.Filter{
		DescriptorID: query.DescriptorID,
		TargetID:     query.TargetID,
		Status:       registry.Status(query.Status),
	})
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, list)
}

func (s *Server) getDeployment(gc *gin.Context) {
	d, err := s.storage.GetDeployment(gc.Request.Context(), gc.Param(idParam))
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, d)
}

func (s *Server) getUpgradeCheck(gc *gin.Context) {
	check, err := s.orc.CheckUpgrade(gc.Request.Context(), gc.Param(idParam))
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, check)
}

func (s *Server) postUpgrade(gc *gin.Context) {
	d, err := s.orc.Upgrade(gc.Request.Context(), gc.Param(idParam))
	if err != nil {
		if d != nil {
			gc.JSON(statusFor(err), gin.H{"error": err.Error(), "deployment": d})
			return
		}
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, d)
}

func (s *Server) deleteDeployment(gc *gin.Context) {
	if err := s.orc.Remove(gc.Request.Context(), gc.Param(idParam)); err != nil {
		s.fail(gc, err)
		return
	}
	gc.Status(http.StatusNoContent)
}

func (s *Server) getPortForwards(gc *gin.Context) {
	list, err := s.storage.ListPortForwards(gc.Request.Context())
	if err != nil {
		s.fail(gc, err)
		return
	}
	gc.JSON(http.StatusOK, list)
}

func (s *Server) getEvents(gc *gin.Context) {
	gc.JSON(http.StatusOK, s.bus.Recent())
}

func (s *Server) getServers(gc *gin.Context) {
	if s.fleet == nil {
		gc.JSON(http.StatusOK, []vps.Server{})
		return
	}
	gc.JSON(http.StatusOK, s.fleet.List())
}

func (s *Server) fail(gc *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(err, "request failed", "path", gc.FullPath())
	}
	gc.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		catalogNotFound   *catalog.NotFoundError
		registryNotFound  *registry.NotFoundError
		duplicate         *registry.DuplicateDeploymentError
		invalidState      *orchestrator.InvalidStateError
		unavailable       *vps.TargetUnavailableError
		insufficient      *vps.InsufficientResourcesError
		unreachable       *version.SourceUnreachableError
		noVersions        *version.NoVersionsFoundError
		substitution      *values.SubstitutionError
		applyFailed       *cluster.ApplyError
		uninstallFailed   *cluster.UninstallError
		catalogValidation *catalog.ValidationError
	)
	switch {
	case errors.As(err, &catalogNotFound), errors.As(err, &registryNotFound):
		return http.StatusNotFound
	case errors.As(err, &duplicate), errors.As(err, &invalidState), errors.As(err, &unavailable):
		return http.StatusConflict
	case errors.As(err, &insufficient), errors.As(err, &noVersions),
		errors.As(err, &substitution), errors.As(err, &catalogValidation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &unreachable), errors.As(err, &applyFailed), errors.As(err, &uninstallFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
